// Package market evolves the Chain price: a bounded random walk with
// volatility shrinking as supply grows, nudged by mining, trade flow and
// events, plus time-boxed effects that expire exactly once.
package market

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/google/uuid"

	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/pkg/errors"
)

// Params tunes the walk.
type Params struct {
	InitialPrice float64 `yaml:"initial_price" json:"initial_price"`
	Floor        float64 `yaml:"floor" json:"floor"`
	Sigma0       float64 `yaml:"sigma0" json:"sigma0"`
	// Alpha scales credits minted since the last tick.
	Alpha float64 `yaml:"alpha" json:"alpha"`
	// Beta scales net Chain bought by players since the last tick.
	Beta           float64 `yaml:"beta" json:"beta"`
	Gamma          float64 `yaml:"gamma" json:"gamma"`
	Spread         float64 `yaml:"spread" json:"spread"`
	HistorySize    int     `yaml:"history_size" json:"history_size"`
	TrendWindow    int     `yaml:"trend_window" json:"trend_window"`
	TrendThreshold float64 `yaml:"trend_threshold" json:"trend_threshold"`
	NudgeScale     float64 `yaml:"nudge_scale" json:"nudge_scale"`
	NudgeLimit     float64 `yaml:"nudge_limit" json:"nudge_limit"`
}

// DefaultParams returns the shipped tuning.
func DefaultParams() Params {
	return Params{
		InitialPrice:   32,
		Floor:          0.25,
		Sigma0:         0.12,
		Alpha:          -0.0005,
		Beta:           0.02,
		Gamma:          0.02,
		Spread:         0.01,
		HistorySize:    256,
		TrendWindow:    32,
		TrendThreshold: 0.01,
		NudgeScale:     0.01,
		NudgeLimit:     5,
	}
}

// Validate checks the walk coefficients.
func (p Params) Validate() error {
	switch {
	case p.Floor <= 0:
		return errors.New(errors.ErrorTypeValidation, "validate_market", "price floor must be positive")
	case p.InitialPrice < p.Floor:
		return errors.New(errors.ErrorTypeValidation, "validate_market", "initial price below floor")
	case p.Sigma0 < 0 || p.Gamma < 0:
		return errors.New(errors.ErrorTypeValidation, "validate_market", "sigma0 and gamma must be non-negative")
	case p.Spread <= 0 || p.Spread >= 1:
		return errors.New(errors.ErrorTypeValidation, "validate_market", "spread must be in (0, 1)")
	case p.HistorySize < 2 || p.TrendWindow < 1 || p.TrendWindow >= p.HistorySize:
		return errors.New(errors.ErrorTypeValidation, "validate_market", "trend window must fit inside the history")
	case p.NudgeLimit < 0:
		return errors.New(errors.ErrorTypeValidation, "validate_market", "nudge limit must be non-negative")
	}
	return nil
}

// Effect is a time-boxed modifier installed by an event. Drift is a
// fraction of the price applied every tick while the effect is active.
type Effect struct {
	EventID          uuid.UUID   `json:"event_id"`
	Kind             events.Kind `json:"kind"`
	Drift            float64     `json:"drift,omitempty"`
	PayoutMultiplier float64     `json:"payout_multiplier,omitempty"`
	RentalMultiplier float64     `json:"rental_multiplier,omitempty"`
	ExpiresAt        uint64      `json:"expires_at"`
}

// State is the exported market snapshot.
type State struct {
	Tick      uint64       `json:"tick"`
	Price     float64      `json:"price"`
	Sigma     float64      `json:"sigma"`
	Supply    int          `json:"supply"`
	Trend     events.Trend `json:"trend"`
	LastDelta float64      `json:"last_delta"`
	History   []float64    `json:"history"`
	Effects   []Effect     `json:"effects"`
}

// Step reports one Tick.
type Step struct {
	Tick    uint64
	Price   float64
	Delta   float64
	Expired []Effect
}

// Engine owns the market state. It is not safe for concurrent use.
type Engine struct {
	params    Params
	tick      uint64
	price     float64
	sigma     float64
	supply    int
	lastDelta float64
	history   []float64
	effects   []Effect
}

// NewEngine starts a market at the initial price.
func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		params: params,
		price:  params.InitialPrice,
		sigma:  params.Sigma0,
	}
	e.record()
	return e, nil
}

// Restore rebuilds an engine from a snapshot.
func Restore(params Params, s State) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if s.Price < params.Floor || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
		return nil, errors.New(errors.ErrorTypeValidation, "restore_market", "snapshot price below floor")
	}
	e := &Engine{
		params:    params,
		tick:      s.Tick,
		price:     s.Price,
		supply:    s.Supply,
		lastDelta: s.LastDelta,
		effects:   slices.Clone(s.Effects),
	}
	e.sigma = e.sigmaFor(s.Supply)
	if n := len(s.History); n > params.HistorySize {
		e.history = slices.Clone(s.History[n-params.HistorySize:])
	} else {
		e.history = slices.Clone(s.History)
	}
	if len(e.history) == 0 {
		e.record()
	}
	return e, nil
}

// Params returns the engine tuning.
func (e *Engine) Params() Params {
	return e.params
}

// Price returns the current mid price.
func (e *Engine) Price() float64 {
	return e.price
}

// CurrentTick returns the last tick applied.
func (e *Engine) CurrentTick() uint64 {
	return e.tick
}

// Quote prices both sides at the configured spread.
func (e *Engine) Quote() Quote {
	return NewQuote(e.tick, e.price, e.params.Spread)
}

// AddSupply records newly minted links; σ shrinks accordingly.
func (e *Engine) AddSupply(n int) {
	e.supply += n
	e.sigma = e.sigmaFor(e.supply)
}

func (e *Engine) sigmaFor(supply int) float64 {
	return e.params.Sigma0 / (1 + e.params.Gamma*float64(supply))
}

// CompletionNudge converts a completed job's impact and payout into a price
// nudge, clamped to the configured limit.
func (e *Engine) CompletionNudge(impact, payout float64) float64 {
	n := impact * payout * e.params.NudgeScale
	return math.Max(-e.params.NudgeLimit, math.Min(e.params.NudgeLimit, n))
}

// ApplyEvent installs the event's time-boxed effect and returns the immediate
// price nudge it contributes to this tick.
func (e *Engine) ApplyEvent(ev events.Event) float64 {
	if events.Cosmetic(ev.Kind) {
		return 0
	}
	if ev.Payload.DurationTicks > 0 {
		eff := Effect{
			EventID:   ev.ID,
			Kind:      ev.Kind,
			ExpiresAt: e.tick + ev.Payload.DurationTicks,
		}
		switch ev.Kind {
		case events.KindCrashSpike:
			eff.Drift = -ev.Payload.DecayRate
		case events.KindSurge:
			eff.Drift = ev.Magnitude / float64(ev.Payload.DurationTicks)
		case events.KindProtocolFork:
			eff.PayoutMultiplier = ev.Payload.PayoutMultiplier
		case events.KindHashStorm:
			eff.RentalMultiplier = ev.Payload.RentalMultiplier
		}
		e.effects = append(e.effects, eff)
	}
	return e.price * ev.Magnitude
}

// Tick advances the walk by dt seconds. mined is credits minted since the
// last tick, netflow is Chain bought minus sold by players, nudge is the sum
// of completion and event nudges. The price never drops below the floor.
func (e *Engine) Tick(rng *rand.Rand, dt, mined, netflow, nudge float64) Step {
	e.tick++
	expired := e.expire()

	var drift float64
	for _, eff := range e.effects {
		drift += eff.Drift
	}

	old := e.price
	next := old +
		rng.NormFloat64()*e.sigma*math.Sqrt(max(dt, 0)) +
		e.params.Alpha*mined +
		e.params.Beta*netflow +
		nudge +
		old*drift
	if math.IsNaN(next) || next < e.params.Floor {
		next = e.params.Floor
	}
	e.price = next
	e.lastDelta = next - old
	e.record()

	return Step{Tick: e.tick, Price: next, Delta: e.lastDelta, Expired: expired}
}

// expire drops effects whose expiry has been reached.
func (e *Engine) expire() []Effect {
	var expired []Effect
	kept := e.effects[:0]
	for _, eff := range e.effects {
		if e.tick >= eff.ExpiresAt {
			expired = append(expired, eff)
			continue
		}
		kept = append(kept, eff)
	}
	e.effects = kept
	return expired
}

func (e *Engine) record() {
	e.history = append(e.history, e.price)
	if n := len(e.history); n > e.params.HistorySize {
		e.history = slices.Delete(e.history, 0, n-e.params.HistorySize)
	}
}

// Trend compares the price against the sample TrendWindow steps back.
func (e *Engine) Trend() events.Trend {
	n := len(e.history)
	if n < 2 {
		return events.TrendFlat
	}
	back := e.history[max(0, n-1-e.params.TrendWindow)]
	change := (e.price - back) / back
	switch {
	case change > e.params.TrendThreshold:
		return events.TrendRising
	case change < -e.params.TrendThreshold:
		return events.TrendFalling
	}
	return events.TrendFlat
}

// PayoutMultiplier is the product of active payout effects.
func (e *Engine) PayoutMultiplier() float64 {
	m := 1.0
	for _, eff := range e.effects {
		if eff.PayoutMultiplier > 0 {
			m *= eff.PayoutMultiplier
		}
	}
	return m
}

// RentalMultiplier is the product of active rental cost effects.
func (e *Engine) RentalMultiplier() float64 {
	m := 1.0
	for _, eff := range e.effects {
		if eff.RentalMultiplier > 0 {
			m *= eff.RentalMultiplier
		}
	}
	return m
}

// Snapshot copies the state.
func (e *Engine) Snapshot() State {
	return State{
		Tick:      e.tick,
		Price:     e.price,
		Sigma:     e.sigma,
		Supply:    e.supply,
		Trend:     e.Trend(),
		LastDelta: e.lastDelta,
		History:   slices.Clone(e.history),
		Effects:   slices.Clone(e.effects),
	}
}
