package mining

import (
	"encoding/json"
	stderrors "errors"
	"math"
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"github.com/bardlex/blockgrave/internal/difficulty"
	"github.com/bardlex/blockgrave/pkg/errors"
)

func gridJob(diffs ...float64) difficulty.Job {
	job := difficulty.Job{ID: "J1", Name: "Test Vault", Rows: 1, Cols: len(diffs)}
	for i, d := range diffs {
		job.Linklets = append(job.Linklets, difficulty.Linklet{Index: i, Difficulty: d})
		job.Difficulty += d
	}
	job.Payout = 0.35 * job.Difficulty
	return job
}

func TestAdvanceHardestFirst(t *testing.T) {
	e := NewEngine()
	now := time.Unix(0, 0)
	e.Select(gridJob(3, 1, 2), now)

	tests := []struct {
		wantSolved []int
		wantWork   []float64
		done       bool
	}{
		{nil, []float64{2, 0, 0}, false},
		{[]int{0}, []float64{3, 0, 1}, false},
		{[]int{2, 1}, []float64{3, 1, 2}, true},
	}

	var order []int
	for i, tt := range tests {
		now = now.Add(time.Second)
		res, err := e.Advance(2, time.Second, now)
		if err != nil {
			t.Fatalf("tick %d: Advance() error = %v", i+1, err)
		}
		if !reflect.DeepEqual(res.Solved, tt.wantSolved) {
			t.Errorf("tick %d: solved = %v, want %v", i+1, res.Solved, tt.wantSolved)
		}
		a, _ := e.Snapshot()
		for j, w := range tt.wantWork {
			if math.Abs(a.Job.Linklets[j].Work-w) > 1e-9 {
				t.Errorf("tick %d: linklet %d work = %v, want %v", i+1, j, a.Job.Linklets[j].Work, w)
			}
		}
		if (res.Completed != nil) != tt.done {
			t.Errorf("tick %d: completed = %v, want %v", i+1, res.Completed != nil, tt.done)
		}
		order = append(order, res.Solved...)
	}

	if !reflect.DeepEqual(order, []int{0, 2, 1}) {
		t.Errorf("completion order = %v, want [0 2 1]", order)
	}
}

func TestAdvanceTieBreaksOnLowestIndex(t *testing.T) {
	e := NewEngine()
	e.Select(gridJob(1, 2, 2, 1), time.Unix(0, 0))

	res, err := e.Advance(2, time.Second, time.Unix(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Solved, []int{1}) {
		t.Errorf("solved = %v, want [1]", res.Solved)
	}
	res, _ = e.Advance(3, time.Second, time.Unix(2, 0))
	if !reflect.DeepEqual(res.Solved, []int{2, 0}) {
		t.Errorf("solved = %v, want [2 0]", res.Solved)
	}
}

func TestStateTransitions(t *testing.T) {
	e := NewEngine()
	if e.State() != StateIdle {
		t.Fatalf("new engine state = %v", e.State())
	}

	_, err := e.Advance(1, time.Second, time.Unix(0, 0))
	if !stderrors.Is(err, errors.ErrNoActiveJob) {
		t.Fatalf("idle Advance error = %v, want ErrNoActiveJob", err)
	}

	e.Select(gridJob(5), time.Unix(0, 0))
	if e.State() != StateSelected {
		t.Fatalf("state after Select = %v", e.State())
	}
	_, _ = e.Advance(1, time.Second, time.Unix(1, 0))
	if e.State() != StateInProgress {
		t.Fatalf("state after first Advance = %v", e.State())
	}

	res, _ := e.Advance(10, time.Second, time.Unix(2, 0))
	if e.State() != StateCompleted || res.Completed == nil {
		t.Fatalf("state = %v completed = %v", e.State(), res.Completed)
	}
	if res.Completed.Difficulty != 5 || res.Completed.LinkletCount != 1 || math.Abs(res.Completed.Payout-1.75) > 1e-9 {
		t.Errorf("fact = %+v", res.Completed)
	}

	if _, err := e.Advance(1, time.Second, time.Unix(3, 0)); !stderrors.Is(err, errors.ErrNoActiveJob) {
		t.Errorf("Advance after completion error = %v", err)
	}
}

func TestSolvedIsMonotonic(t *testing.T) {
	model, err := difficulty.NewModel(difficulty.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewPCG(8, 9))

	e := NewEngine()
	e.Select(model.GenerateJob(rng), time.Unix(0, 0))

	prev := make(map[int]bool)
	for tick := 1; tick < 10_000; tick++ {
		res, err := e.Advance(rng.Float64()*20, 100*time.Millisecond, time.Unix(int64(tick), 0))
		if err != nil {
			t.Fatal(err)
		}
		a, _ := e.Snapshot()
		for _, l := range a.Job.Linklets {
			if prev[l.Index] && !l.Solved {
				t.Fatalf("linklet %d unsolved again", l.Index)
			}
			if l.Work > l.Difficulty+1e-9 {
				t.Fatalf("linklet %d over-worked: %v > %v", l.Index, l.Work, l.Difficulty)
			}
			prev[l.Index] = l.Solved
		}
		if res.Completed != nil {
			if math.Abs(res.Completed.Difficulty-a.Job.Difficulty) > 1e-9 {
				t.Errorf("fact difficulty mismatch")
			}
			return
		}
	}
	t.Fatal("job never completed")
}

func TestSnapshotRestore(t *testing.T) {
	e := NewEngine()
	e.Select(gridJob(3, 4), time.Unix(10, 0))
	_, _ = e.Advance(2, time.Second, time.Unix(11, 0))

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var a Active
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("Unmarshal() error = %v (%s)", err, data)
	}
	if a.State != StateInProgress {
		t.Errorf("state = %v, want in_progress", a.State)
	}

	other := NewEngine()
	other.Restore(a)
	res, err := other.Advance(5, time.Second, time.Unix(12, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Completed == nil {
		t.Error("restored job did not complete with the remaining work")
	}

	idle, _ := json.Marshal(NewEngine())
	if string(idle) != "null" {
		t.Errorf("idle engine JSON = %s", idle)
	}
}
