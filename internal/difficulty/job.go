package difficulty

import (
	"time"
)

// Linklet is one cell of a job grid. Difficulty is hidden from players; only
// progress is rendered.
type Linklet struct {
	Index      int       `json:"index"`
	Difficulty float64   `json:"difficulty"`
	Work       float64   `json:"work"`
	Solved     bool      `json:"solved"`
	SolvedAt   time.Time `json:"solved_at,omitzero"`
}

// Progress returns applied work as a fraction of the hidden difficulty.
func (l Linklet) Progress() float64 {
	if l.Solved || l.Difficulty <= 0 {
		return 1
	}
	return min(l.Work/l.Difficulty, 1)
}

// Job is an offered or active link job.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Rows       int       `json:"rows"`
	Cols       int       `json:"cols"`
	Difficulty float64   `json:"difficulty"`
	Payout     float64   `json:"payout"`
	Impact     float64   `json:"impact"`
	Linklets   []Linklet `json:"linklets"`
}

// EstimatedTime is the time to finish the job from scratch at rate.
func (j *Job) EstimatedTime(rate float64) time.Duration {
	return estimate(j.Difficulty, rate)
}

// Remaining is the unsolved difficulty left on the job.
func (j *Job) Remaining() float64 {
	var left float64
	for _, l := range j.Linklets {
		if !l.Solved {
			left += max(l.Difficulty-l.Work, 0)
		}
	}
	return left
}

// Solved counts solved linklets.
func (j *Job) Solved() int {
	n := 0
	for _, l := range j.Linklets {
		if l.Solved {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	j.Linklets = append([]Linklet(nil), j.Linklets...)
	return j
}
