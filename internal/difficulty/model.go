// Package difficulty draws link jobs from a log-normal difficulty model and
// keeps the offered job pool covering both a quick (<60s) and a long (>5m) job
// at the current relink rate.
package difficulty

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bardlex/blockgrave/internal/units"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Params configures job generation. Zero values are not valid; start from DefaultParams.
type Params struct {
	Mu          float64       `yaml:"mu" json:"mu"`
	Sigma       float64       `yaml:"sigma" json:"sigma"`
	MinLinklet  float64       `yaml:"min_linklet" json:"min_linklet"`
	CountScale  float64       `yaml:"count_scale" json:"count_scale"`
	MinRows     int           `yaml:"min_rows" json:"min_rows"`
	MaxRows     int           `yaml:"max_rows" json:"max_rows"`
	MinCols     int           `yaml:"min_cols" json:"min_cols"`
	MaxCols     int           `yaml:"max_cols" json:"max_cols"`
	PayoutRatio float64       `yaml:"payout_ratio" json:"payout_ratio"`
	ImpactMin   float64       `yaml:"impact_min" json:"impact_min"`
	ImpactMax   float64       `yaml:"impact_max" json:"impact_max"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size"`
	FastTarget  time.Duration `yaml:"fast_target" json:"fast_target"`
	SlowTarget  time.Duration `yaml:"slow_target" json:"slow_target"`
	MaxResample int           `yaml:"max_resample" json:"max_resample"`
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		Mu:          0.8,
		Sigma:       0.55,
		MinLinklet:  0.4,
		CountScale:  36,
		MinRows:     3,
		MaxRows:     6,
		MinCols:     4,
		MaxCols:     8,
		PayoutRatio: 0.35,
		ImpactMin:   -0.8,
		ImpactMax:   1.2,
		PoolSize:    4,
		FastTarget:  60 * time.Second,
		SlowTarget:  5 * time.Minute,
		MaxResample: 32,
	}
}

// Validate reports parameter sets that cannot produce finite positive difficulties.
func (p Params) Validate() error {
	invalid := func(msg string) error {
		return errors.Wrap(errors.ErrInvalidDistributionParameters, errors.ErrorTypeValidation,
			"difficulty_params", msg)
	}

	switch {
	case math.IsNaN(p.Sigma) || p.Sigma <= 0:
		return invalid(fmt.Sprintf("sigma must be positive, got %v", p.Sigma))
	case math.IsNaN(p.Mu) || math.IsInf(math.Exp(p.Mu+4*p.Sigma), 0):
		return invalid(fmt.Sprintf("mu %v with sigma %v yields non-finite difficulty", p.Mu, p.Sigma))
	case p.MinLinklet <= 0:
		return invalid("min_linklet must be positive")
	case p.CountScale <= 0:
		return invalid("count_scale must be positive")
	case p.MinRows < 1 || p.MaxRows < p.MinRows || p.MinCols < 1 || p.MaxCols < p.MinCols:
		return invalid(fmt.Sprintf("grid bounds %dx%d..%dx%d are inconsistent", p.MinRows, p.MinCols, p.MaxRows, p.MaxCols))
	case p.PayoutRatio <= 0:
		return invalid("payout_ratio must be positive")
	case p.ImpactMax < p.ImpactMin:
		return invalid("impact_max must not be below impact_min")
	case p.PoolSize < 2:
		return invalid("pool_size must hold at least a fast and a slow job")
	case p.FastTarget <= 0 || p.SlowTarget <= p.FastTarget:
		return invalid("slow_target must exceed a positive fast_target")
	case p.MaxResample < 0:
		return invalid("max_resample must not be negative")
	}
	return nil
}

// Model generates jobs.
type Model struct {
	params Params
}

// NewModel validates params and returns a model.
func NewModel(params Params) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Model{params: params}, nil
}

// Params returns the model configuration.
func (m *Model) Params() Params {
	return m.params
}

// Payout converts a difficulty into the credits paid on completion.
func (m *Model) Payout(difficulty float64) float64 {
	return m.params.PayoutRatio * difficulty
}

// GenerateJob draws a new job: a rows x cols grid of linklets whose hidden
// difficulties are log-normal, scaled up with the linklet count.
func (m *Model) GenerateJob(rng *rand.Rand) Job {
	p := m.params
	rows := p.MinRows + rng.IntN(p.MaxRows-p.MinRows+1)
	cols := p.MinCols + rng.IntN(p.MaxCols-p.MinCols+1)
	count := rows * cols
	scale := 1 + float64(count)/p.CountScale

	linklets := make([]Linklet, count)
	var total float64
	for i := range linklets {
		d := math.Exp(p.Mu+p.Sigma*rng.NormFloat64()) * scale
		d = math.Max(d, p.MinLinklet)
		linklets[i] = Linklet{Index: i, Difficulty: d}
		total += d
	}

	return Job{
		ID:         newJobID(rng),
		Name:       jobName(rng),
		Rows:       rows,
		Cols:       cols,
		Difficulty: total,
		Payout:     m.Payout(total),
		Impact:     p.ImpactMin + rng.Float64()*(p.ImpactMax-p.ImpactMin),
		Linklets:   linklets,
	}
}

// Synthesize builds a job that takes exactly target at rate, by rescaling a
// freshly drawn grid.
func (m *Model) Synthesize(rng *rand.Rand, target time.Duration, rate float64) Job {
	job := m.GenerateJob(rng)
	want := rate * target.Seconds()
	factor := want / job.Difficulty

	var total float64
	for i := range job.Linklets {
		job.Linklets[i].Difficulty *= factor
		total += job.Linklets[i].Difficulty
	}
	job.Difficulty = total
	job.Payout = m.Payout(total)
	return job
}

// EnsurePool tops pool up to PoolSize and makes sure it offers one job under
// FastTarget and one over SlowTarget at rate. Candidates are resampled up to
// MaxResample times; a missing side is then synthesized directly at half the
// fast target or twice the slow target. With a non-positive rate every job is
// unbounded and only the top-up happens.
func (m *Model) EnsurePool(rng *rand.Rand, pool []Job, rate float64) []Job {
	p := m.params
	for len(pool) < p.PoolSize {
		pool = append(pool, m.GenerateJob(rng))
	}
	if rate <= 0 {
		return pool
	}

	for attempt := 0; attempt < p.MaxResample; attempt++ {
		fast, slow := m.coverage(pool, rate)
		if fast >= 0 && slow >= 0 {
			return pool
		}
		cand := m.GenerateJob(rng)
		est := cand.EstimatedTime(rate)
		if (fast < 0 && est < p.FastTarget) || (slow < 0 && est > p.SlowTarget) {
			pool[m.replaceable(pool, rate)] = cand
		}
	}

	if fast, _ := m.coverage(pool, rate); fast < 0 {
		pool[m.replaceable(pool, rate)] = m.Synthesize(rng, p.FastTarget/2, rate)
	}
	if _, slow := m.coverage(pool, rate); slow < 0 {
		pool[m.replaceable(pool, rate)] = m.Synthesize(rng, p.SlowTarget*2, rate)
	}
	return pool
}

// Covered reports whether pool satisfies the fast/slow requirement at rate.
func (m *Model) Covered(pool []Job, rate float64) bool {
	fast, slow := m.coverage(pool, rate)
	return fast >= 0 && slow >= 0
}

// coverage returns the index of a fast and of a slow job, -1 when absent.
func (m *Model) coverage(pool []Job, rate float64) (fast, slow int) {
	fast, slow = -1, -1
	for i := range pool {
		est := pool[i].EstimatedTime(rate)
		if fast < 0 && est < m.params.FastTarget {
			fast = i
		}
		if slow < 0 && est > m.params.SlowTarget {
			slow = i
		}
	}
	return fast, slow
}

// replaceable picks the last slot that is not the only fast or only slow job.
func (m *Model) replaceable(pool []Job, rate float64) int {
	var fastCount, slowCount int
	for i := range pool {
		est := pool[i].EstimatedTime(rate)
		if est < m.params.FastTarget {
			fastCount++
		}
		if est > m.params.SlowTarget {
			slowCount++
		}
	}
	for i := len(pool) - 1; i >= 0; i-- {
		est := pool[i].EstimatedTime(rate)
		if est < m.params.FastTarget && fastCount == 1 {
			continue
		}
		if est > m.params.SlowTarget && slowCount == 1 {
			continue
		}
		return i
	}
	return len(pool) - 1
}

func newJobID(rng *rand.Rand) string {
	return fmt.Sprintf("J%010X", rng.Uint64()&0xFFFFFFFFFF)
}

var (
	adjectives = []string{"Quiet", "Fractured", "Hollow", "Gilded", "Sunken", "Feral", "Static", "Ashen", "Vacant", "Brittle", "Lucid", "Errant"}
	nouns      = []string{"Relay", "Vault", "Circuit", "Cairn", "Lattice", "Beacon", "Spindle", "Archive", "Conduit", "Reliquary", "Mesh", "Ossuary"}
)

func jobName(rng *rand.Rand) string {
	return adjectives[rng.IntN(len(adjectives))] + " " + nouns[rng.IntN(len(nouns))]
}

// estimate is shared by Job.EstimatedTime and the snapshot exporter.
func estimate(difficulty, rate float64) time.Duration {
	if rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return units.Seconds(difficulty / rate)
}
