// Package ratectl tracks one adaptive inter-request delay per resource pool.
//
// Congestion signals ratchet a pool's delay up by a fixed increment until it
// reaches the ceiling. Success only clears the consecutive-congestion counter;
// the delay itself comes down through Tick, a half-life reducer the
// coordinator calls between units once a pool has been quiet for a while.
// Every read and write for a pool happens under that pool's mutex.
package ratectl

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"kiln/internal/config"
	"kiln/internal/logging"
)

// Limits bounds a pool's delay and sets its escalation threshold.
type Limits struct {
	Floor     time.Duration
	Increment time.Duration
	Ceiling   time.Duration
	// EscalateAfter is the number of consecutive congestion signals tolerated
	// before the next one asks for credential escalation.
	EscalateAfter int
}

// RateState is the observable state of one pool.
type RateState struct {
	CurrentDelay          time.Duration `json:"current_delay"`
	Floor                 time.Duration `json:"floor"`
	Ceiling               time.Duration `json:"ceiling"`
	Increment             time.Duration `json:"increment"`
	ConsecutiveCongestion int           `json:"consecutive_congestion"`
}

// Signal is the outcome of one congestion report.
type Signal struct {
	State RateState
	// Escalate is true for exactly one signal per threshold window. Further
	// signals stay false until ResetCongestion or OnSuccess closes the window.
	Escalate bool
}

type poolState struct {
	mu                sync.Mutex
	limits            Limits
	state             RateState
	quietUnits        int
	escalationPending bool
}

// Controller owns the per-pool rate state for one workflow run.
type Controller struct {
	mu         sync.Mutex
	pools      map[string]*poolState
	decayAfter int
	logger     *slog.Logger
}

// New builds a controller. decayAfterUnits of zero disables decay.
func New(limits map[string]Limits, decayAfterUnits int, logger *slog.Logger) *Controller {
	c := &Controller{
		pools:      make(map[string]*poolState, len(limits)),
		decayAfter: decayAfterUnits,
		logger:     logging.NewComponentLogger(logger, "ratectl"),
	}
	for name, l := range limits {
		c.pools[name] = newPoolState(l)
	}
	return c
}

// NewFromConfig builds a controller for every configured pool.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) *Controller {
	limits := make(map[string]Limits, len(cfg.Pools))
	for name, p := range cfg.Pools {
		limits[name] = Limits{
			Floor:         p.Floor(),
			Increment:     p.Increment(),
			Ceiling:       p.Ceiling(),
			EscalateAfter: p.EscalateAfter,
		}
	}
	return New(limits, cfg.Engine.DecayAfterUnits, logger)
}

func newPoolState(l Limits) *poolState {
	if l.Ceiling < l.Floor {
		l.Ceiling = l.Floor
	}
	return &poolState{
		limits: l,
		state: RateState{
			CurrentDelay: l.Floor,
			Floor:        l.Floor,
			Ceiling:      l.Ceiling,
			Increment:    l.Increment,
		},
	}
}

// pool returns the named pool, registering an unbounded zero-delay pool for
// names that were never configured.
func (c *Controller) pool(name string) *poolState {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[name]
	if !ok {
		p = newPoolState(Limits{})
		c.pools[name] = p
	}
	return p
}

// Delay returns the delay to await before the next request in pool.
func (c *Controller) Delay(pool string) time.Duration {
	p := c.pool(pool)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.CurrentDelay
}

// State returns a copy of the pool's current state.
func (c *Controller) State(pool string) RateState {
	p := c.pool(pool)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnCongestion raises the pool delay by one increment, clamped to the ceiling,
// and reports whether this signal crossed the escalation threshold.
func (c *Controller) OnCongestion(pool string) Signal {
	p := c.pool(pool)
	p.mu.Lock()
	defer p.mu.Unlock()

	before := p.state.CurrentDelay
	next := before + p.state.Increment
	if next > p.state.Ceiling {
		next = p.state.Ceiling
	}
	p.state.CurrentDelay = next
	p.state.ConsecutiveCongestion++
	p.quietUnits = 0

	escalate := false
	if !p.escalationPending && p.state.ConsecutiveCongestion > p.limits.EscalateAfter {
		escalate = true
		p.escalationPending = true
	}

	c.logger.Info("pool delay raised",
		logging.String(logging.FieldEventType, "rate_congestion"),
		logging.String(logging.FieldPool, pool),
		logging.Duration("previous_delay", before),
		logging.Duration("current_delay", next),
		logging.Int("consecutive", p.state.ConsecutiveCongestion),
		logging.Bool("escalate", escalate),
	)
	if next == p.state.Ceiling && before < p.state.Ceiling {
		logging.WarnWithContext(c.logger, "pool delay reached ceiling", "rate_ceiling",
			logging.String(logging.FieldPool, pool),
			logging.Duration("ceiling", p.state.Ceiling),
			logging.String(logging.FieldErrorHint, "backend keeps rate limiting; consider more credentials or lower concurrency"),
			logging.String(logging.FieldImpact, "requests in this pool are throttled to the ceiling delay"),
		)
	}
	return Signal{State: p.state, Escalate: escalate}
}

// OnSuccess clears the consecutive-congestion counter. The delay is unchanged.
func (c *Controller) OnSuccess(pool string) RateState {
	p := c.pool(pool)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.ConsecutiveCongestion = 0
	p.escalationPending = false
	return p.state
}

// ResetCongestion closes the current escalation window. The credential
// rotator calls it after advancing to the next credential.
func (c *Controller) ResetCongestion(pool string) {
	p := c.pool(pool)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.ConsecutiveCongestion = 0
	p.escalationPending = false
}

// Tick records one finished unit in pool. Once decayAfterUnits units have
// finished without a congestion signal, the delay is halved toward the floor.
// It reports whether a decay step happened.
func (c *Controller) Tick(pool string) (RateState, bool) {
	p := c.pool(pool)
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.decayAfter <= 0 {
		return p.state, false
	}
	p.quietUnits++
	if p.quietUnits < c.decayAfter || p.state.CurrentDelay <= p.state.Floor {
		return p.state, false
	}
	p.quietUnits = 0
	before := p.state.CurrentDelay
	p.state.CurrentDelay = p.state.Floor + (before-p.state.Floor)/2
	c.logger.Info("pool delay decayed",
		logging.String(logging.FieldEventType, "rate_decay"),
		logging.String(logging.FieldPool, pool),
		logging.Duration("previous_delay", before),
		logging.Duration("current_delay", p.state.CurrentDelay),
	)
	return p.state, true
}

// Snapshot returns the state of every pool, keyed by pool name.
func (c *Controller) Snapshot() map[string]RateState {
	c.mu.Lock()
	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]RateState, len(names))
	for _, name := range names {
		out[name] = c.State(name)
	}
	return out
}

// Restore seeds pool delays from a previous run. Delays are clamped into the
// currently configured bounds and congestion counters start from zero.
func (c *Controller) Restore(states map[string]RateState) {
	for name, saved := range states {
		p := c.pool(name)
		p.mu.Lock()
		delay := saved.CurrentDelay
		if delay < p.state.Floor {
			delay = p.state.Floor
		}
		if delay > p.state.Ceiling {
			delay = p.state.Ceiling
		}
		p.state.CurrentDelay = delay
		p.state.ConsecutiveCongestion = 0
		p.escalationPending = false
		p.mu.Unlock()
	}
}
