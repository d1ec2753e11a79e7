// Package mining advances the active link job. Work is applied to the hardest
// unsolved linklet first (lowest index on ties) and a LinkCompleted fact is
// produced when the last linklet is solved.
package mining

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bardlex/blockgrave/internal/difficulty"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// solveEpsilon absorbs float drift when cumulative work meets a difficulty.
const solveEpsilon = 1e-9

// State is the lifecycle of the active job.
type State int

const (
	StateIdle State = iota
	StateSelected
	StateInProgress
	StateCompleted
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateSelected:   "selected",
	StateInProgress: "in_progress",
	StateCompleted:  "completed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown mining state %q", text)
}

// LinkCompleted is the fact emitted when a job finishes. It is everything the
// identifier codec and the ledger need; linklet difficulties are copied.
type LinkCompleted struct {
	JobID        string    `json:"job_id"`
	Name         string    `json:"name"`
	Difficulty   float64   `json:"difficulty"`
	LinkletCount int       `json:"linklet_count"`
	Linklets     []float64 `json:"linklets"`
	Payout       float64   `json:"payout"`
	Impact       float64   `json:"impact"`
	CompletedAt  time.Time `json:"completed_at"`
}

// TickResult reports one Advance call.
type TickResult struct {
	JobID     string         `json:"job_id"`
	Applied   float64        `json:"applied"`
	Solved    []int          `json:"solved"`
	Completed *LinkCompleted `json:"completed,omitempty"`
}

// Active is the serializable view of the engine.
type Active struct {
	Job        difficulty.Job `json:"job"`
	State      State          `json:"state"`
	SelectedAt time.Time      `json:"selected_at"`
}

// Engine owns the active job until it completes.
type Engine struct {
	job        *difficulty.Job
	state      State
	selectedAt time.Time
}

// NewEngine returns an idle engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Select makes job the active job, abandoning any unfinished one.
func (e *Engine) Select(job difficulty.Job, now time.Time) {
	j := job.Clone()
	e.job = &j
	e.state = StateSelected
	e.selectedAt = now
}

// Clear drops the active job.
func (e *Engine) Clear() {
	e.job = nil
	e.state = StateIdle
	e.selectedAt = time.Time{}
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return e.state
}

// Snapshot returns a copy of the active job, or false when idle.
func (e *Engine) Snapshot() (Active, bool) {
	if e.job == nil {
		return Active{}, false
	}
	return Active{Job: e.job.Clone(), State: e.state, SelectedAt: e.selectedAt}, true
}

// Restore reinstates a snapshot taken with Snapshot.
func (e *Engine) Restore(a Active) {
	j := a.Job.Clone()
	e.job = &j
	e.state = a.State
	e.selectedAt = a.SelectedAt
}

// Advance applies budget relinks/s for dt to the active job.
func (e *Engine) Advance(budget float64, dt time.Duration, now time.Time) (TickResult, error) {
	if e.job == nil || e.state == StateCompleted || e.state == StateIdle {
		return TickResult{}, errors.Economy(errors.ErrNoActiveJob, "advance_mining", "no job selected")
	}
	if e.state == StateSelected {
		e.state = StateInProgress
	}

	work := max(budget*dt.Seconds(), 0)
	res := TickResult{JobID: e.job.ID}

	for _, i := range e.order() {
		if work <= 0 {
			break
		}
		l := &e.job.Linklets[i]
		need := l.Difficulty - l.Work
		if work+solveEpsilon >= need {
			res.Applied += need
			work -= need
			l.Work = l.Difficulty
			l.Solved = true
			l.SolvedAt = now
			res.Solved = append(res.Solved, i)
			continue
		}
		l.Work += work
		res.Applied += work
		work = 0
	}

	if e.job.Solved() == len(e.job.Linklets) {
		e.state = StateCompleted
		res.Completed = e.completed(now)
	}
	return res, nil
}

// order lists unsolved linklets hardest first, lowest index on ties.
func (e *Engine) order() []int {
	idx := make([]int, 0, len(e.job.Linklets))
	for i, l := range e.job.Linklets {
		if !l.Solved {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return e.job.Linklets[idx[a]].Difficulty > e.job.Linklets[idx[b]].Difficulty
	})
	return idx
}

func (e *Engine) completed(now time.Time) *LinkCompleted {
	diffs := make([]float64, len(e.job.Linklets))
	for i, l := range e.job.Linklets {
		diffs[i] = l.Difficulty
	}
	return &LinkCompleted{
		JobID:        e.job.ID,
		Name:         e.job.Name,
		Difficulty:   e.job.Difficulty,
		LinkletCount: len(e.job.Linklets),
		Linklets:     diffs,
		Payout:       e.job.Payout,
		Impact:       e.job.Impact,
		CompletedAt:  now,
	}
}

// MarshalJSON renders the engine as its Active view (null when idle).
func (e *Engine) MarshalJSON() ([]byte, error) {
	a, ok := e.Snapshot()
	if !ok {
		return []byte("null"), nil
	}
	return json.Marshal(a)
}
