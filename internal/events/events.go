// Package events rolls market shocks when links complete. Major events are
// checked before minor ones and the kind drawn is biased by the price trend.
package events

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/blockgrave/internal/ids"
	"github.com/bardlex/blockgrave/internal/mining"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Trend classifies recent price movement.
type Trend string

const (
	TrendFlat    Trend = "flat"
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
)

// Severity separates the two roll tiers.
type Severity string

const (
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

// Kind names a market event.
type Kind string

const (
	KindDip          Kind = "dip"
	KindRally        Kind = "rally"
	KindRumor        Kind = "rumor"
	KindCrashSpike   Kind = "crash_spike"
	KindSurge        Kind = "surge"
	KindProtocolFork Kind = "protocol_fork"
	KindHashStorm    Kind = "hash_storm"
)

// Range bounds the magnitude of a kind. When Signed is set the drawn
// magnitude may take either sign with |m| in [Min, Max].
type Range struct {
	Min    float64
	Max    float64
	Signed bool
}

// Contains reports whether m lies in the range.
func (r Range) Contains(m float64) bool {
	if r.Signed && m < 0 {
		m = -m
	}
	return m >= r.Min && m <= r.Max
}

type kindSpec struct {
	severity Severity
	rng      Range
	cosmetic bool
	note     string
}

var kinds = map[Kind]kindSpec{
	KindDip:          {SeverityMinor, Range{Min: -0.05, Max: -0.01}, false, "sell pressure after %s"},
	KindRally:        {SeverityMinor, Range{Min: 0.01, Max: 0.05}, false, "buyers chase %s"},
	KindRumor:        {SeverityMinor, Range{}, true, "chatter about %s"},
	KindCrashSpike:   {SeverityMajor, Range{Min: -0.20, Max: -0.10}, false, "crash spike on %s"},
	KindSurge:        {SeverityMajor, Range{Min: 0.10, Max: 0.20}, false, "surge behind %s"},
	KindProtocolFork: {SeverityMajor, Range{Min: 0.10, Max: 0.20, Signed: true}, false, "protocol fork at %s"},
	KindHashStorm:    {SeverityMajor, Range{Min: 0.10, Max: 0.20, Signed: true}, false, "hash storm near %s"},
}

// RangeOf returns the magnitude range declared for kind.
func RangeOf(kind Kind) (Range, bool) {
	spec, ok := kinds[kind]
	return spec.rng, ok
}

// Payload carries the typed extras of the named major kinds.
type Payload struct {
	DecayRate        float64 `json:"decay_rate,omitempty" yaml:"decay_rate,omitempty"`
	DurationTicks    uint64  `json:"duration_ticks,omitempty" yaml:"duration_ticks,omitempty"`
	PayoutMultiplier float64 `json:"payout_multiplier,omitempty" yaml:"payout_multiplier,omitempty"`
	RentalMultiplier float64 `json:"rental_multiplier,omitempty" yaml:"rental_multiplier,omitempty"`
}

// Event is a rolled market shock. Magnitude is a fraction of the price.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Tick      uint64    `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Magnitude float64   `json:"magnitude"`
	Payload   Payload   `json:"payload"`
	Note      string    `json:"note"`
	LinkJobID string    `json:"link_job_id,omitempty"`
}

// Params tunes event frequency and payloads.
type Params struct {
	MajorProbability float64 `yaml:"major_probability" json:"major_probability"`
	MinorProbability float64 `yaml:"minor_probability" json:"minor_probability"`
	// TrendBias multiplies the weight of the kind favored by the trend.
	TrendBias        float64 `yaml:"trend_bias" json:"trend_bias"`
	MinDurationTicks uint64  `yaml:"min_duration_ticks" json:"min_duration_ticks"`
	MaxDurationTicks uint64  `yaml:"max_duration_ticks" json:"max_duration_ticks"`
	MinDecayRate     float64 `yaml:"min_decay_rate" json:"min_decay_rate"`
	MaxDecayRate     float64 `yaml:"max_decay_rate" json:"max_decay_rate"`
	ForkMultiplier   float64 `yaml:"fork_multiplier" json:"fork_multiplier"`
	MinStormRental   float64 `yaml:"min_storm_rental" json:"min_storm_rental"`
	MaxStormRental   float64 `yaml:"max_storm_rental" json:"max_storm_rental"`
}

// DefaultParams returns the shipped tuning.
func DefaultParams() Params {
	return Params{
		MajorProbability: 1.0 / 200,
		MinorProbability: 1.0 / 45,
		TrendBias:        3,
		MinDurationTicks: 300,
		MaxDurationTicks: 1200,
		MinDecayRate:     0.0001,
		MaxDecayRate:     0.0004,
		ForkMultiplier:   2,
		MinStormRental:   1.5,
		MaxStormRental:   3,
	}
}

// Validate checks the probabilities and payload bounds.
func (p Params) Validate() error {
	switch {
	case p.MajorProbability < 0 || p.MinorProbability < 0 || p.MajorProbability+p.MinorProbability > 1:
		return errors.New(errors.ErrorTypeValidation, "validate_events", "event probabilities must be non-negative and sum to at most 1")
	case p.TrendBias < 1:
		return errors.New(errors.ErrorTypeValidation, "validate_events", "trend bias must be at least 1")
	case p.MinDurationTicks == 0 || p.MaxDurationTicks < p.MinDurationTicks:
		return errors.New(errors.ErrorTypeValidation, "validate_events", "invalid effect duration range")
	case p.MinDecayRate < 0 || p.MaxDecayRate < p.MinDecayRate:
		return errors.New(errors.ErrorTypeValidation, "validate_events", "invalid decay rate range")
	case p.ForkMultiplier <= 0 || p.MinStormRental <= 0 || p.MaxStormRental < p.MinStormRental:
		return errors.New(errors.ErrorTypeValidation, "validate_events", "invalid effect multipliers")
	}
	return nil
}

// Engine rolls events. It holds no mutable state.
type Engine struct {
	params Params
}

// NewEngine validates params.
func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: params}, nil
}

// Params returns the engine tuning.
func (e *Engine) Params() Params {
	return e.params
}

// Roll runs one Bernoulli trial per tier for a completed link. At most one
// event is returned; the major tier is checked first.
func (e *Engine) Roll(rng *rand.Rand, fact mining.LinkCompleted, trend Trend, tick uint64) (Event, bool) {
	var severity Severity
	switch {
	case rng.Float64() < e.params.MajorProbability:
		severity = SeverityMajor
	case rng.Float64() < e.params.MinorProbability:
		severity = SeverityMinor
	default:
		return Event{}, false
	}

	kind := e.pick(rng, severity, trend)
	spec := kinds[kind]
	ev := Event{
		ID:        ids.New(rng),
		Tick:      tick,
		Timestamp: fact.CompletedAt,
		Kind:      kind,
		Severity:  severity,
		Magnitude: draw(rng, spec.rng),
		Note:      fmt.Sprintf(spec.note, fact.Name),
		LinkJobID: fact.JobID,
	}
	ev.Payload = e.payload(rng, kind)
	return ev, true
}

func (e *Engine) pick(rng *rand.Rand, severity Severity, trend Trend) Kind {
	type weighted struct {
		kind   Kind
		weight float64
	}
	var table []weighted
	bias := e.params.TrendBias

	if severity == SeverityMajor {
		table = []weighted{{KindCrashSpike, 1}, {KindSurge, 1}, {KindProtocolFork, 1}, {KindHashStorm, 1}}
		switch trend {
		case TrendRising:
			table[0].weight *= bias
		case TrendFalling:
			table[1].weight *= bias
		default:
			table[2].weight *= bias
			table[3].weight *= bias
		}
	} else {
		table = []weighted{{KindDip, 1}, {KindRally, 1}, {KindRumor, 1}}
		switch trend {
		case TrendRising:
			table[0].weight *= bias
		case TrendFalling:
			table[1].weight *= bias
		default:
			table[2].weight *= bias
		}
	}

	var total float64
	for _, w := range table {
		total += w.weight
	}
	x := rng.Float64() * total
	for _, w := range table {
		if x < w.weight {
			return w.kind
		}
		x -= w.weight
	}
	return table[len(table)-1].kind
}

func (e *Engine) payload(rng *rand.Rand, kind Kind) Payload {
	p := e.params
	duration := func() uint64 {
		return p.MinDurationTicks + rng.Uint64N(p.MaxDurationTicks-p.MinDurationTicks+1)
	}
	switch kind {
	case KindCrashSpike:
		return Payload{DecayRate: uniform(rng, p.MinDecayRate, p.MaxDecayRate), DurationTicks: duration()}
	case KindSurge:
		return Payload{DurationTicks: duration()}
	case KindProtocolFork:
		return Payload{PayoutMultiplier: p.ForkMultiplier, DurationTicks: duration()}
	case KindHashStorm:
		return Payload{RentalMultiplier: uniform(rng, p.MinStormRental, p.MaxStormRental), DurationTicks: duration()}
	}
	return Payload{}
}

func draw(rng *rand.Rand, r Range) float64 {
	m := uniform(rng, r.Min, r.Max)
	if r.Signed && rng.IntN(2) == 0 {
		m = -m
	}
	return m
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// Cosmetic reports whether kind leaves the price untouched.
func Cosmetic(kind Kind) bool {
	return kinds[kind].cosmetic
}
