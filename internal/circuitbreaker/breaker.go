// Package circuitbreaker isolates failures in the service's two
// outbound dependencies, the Nosana fabric API and the Solana RPC
// node. A breaker per neighbor fails fast while the upstream is down
// instead of tying request threads to timeouts.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without running the wrapped call while the
// breaker refuses traffic.
var ErrOpen = errors.New("circuit breaker open")

// State of a breaker. Closed passes traffic, Open refuses it, HalfOpen
// admits a bounded number of probes to test recovery.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Counts accumulate per generation. Every state change and every
// closed-state interval rollover starts a fresh generation, so stale
// failures never combine with current ones.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) success() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes one breaker. Zero fields take defaults.
type Config struct {
	// Name appears in state-change logs.
	Name string

	// TripAfter is the consecutive-failure count that opens the
	// breaker (default 5).
	TripAfter uint32

	// OpenFor is how long an open breaker refuses traffic before
	// admitting probes (default 30s).
	OpenFor time.Duration

	// MaxProbes bounds in-flight requests while half-open; that many
	// consecutive probe successes close the breaker (default 1).
	MaxProbes uint32

	// Interval is the closed-state count rollover period (default 60s).
	Interval time.Duration
}

// Fabric is the breaker profile for the Nosana deployments API.
func Fabric() Config {
	return Config{
		Name:      "nosana",
		TripAfter: 5,
		OpenFor:   30 * time.Second,
		MaxProbes: 2,
		Interval:  time.Minute,
	}
}

// Chain is the breaker profile for the Solana RPC node. Confirmation
// polling arrives in bursts, so the trip threshold is higher and the
// open window shorter than the fabric's.
func Chain() Config {
	return Config{
		Name:      "solana",
		TripAfter: 8,
		OpenFor:   15 * time.Second,
		MaxProbes: 3,
		Interval:  time.Minute,
	}
}

// Breaker is a consecutive-failure circuit breaker. The zero value is
// not usable; construct with New.
type Breaker struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg Config, log *slog.Logger) *Breaker {
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.OpenFor == 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Breaker{cfg: cfg, log: log}
	b.newGeneration(time.Now())
	return b
}

// Call runs fn unless the breaker refuses traffic. fn's error is
// returned unchanged so sentinel checks at the call site keep working;
// ErrOpen means fn never ran.
func (b *Breaker) Call(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(gen, err == nil)
	return err
}

// State reports the current state, advancing an expired open window.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.tick(time.Now())
	return s
}

// Snapshot returns the counts of the current generation.
func (b *Breaker) Snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.tick(now)

	if state == Open {
		return gen, ErrOpen
	}
	if state == HalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrOpen
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, cur := b.tick(now)
	if gen != cur {
		// Result from a previous generation; the window it belongs to
		// is already settled.
		return
	}
	if ok {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case Closed:
		b.counts.success()
	case HalfOpen:
		b.counts.success()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(Closed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case Closed:
		b.counts.failure()
		if b.counts.ConsecutiveFailures >= b.cfg.TripAfter {
			b.setState(Open, now)
		}
	case HalfOpen:
		b.setState(Open, now)
	}
}

// tick advances expired windows: closed counts roll over after
// Interval, an open breaker becomes half-open after OpenFor.
func (b *Breaker) tick(now time.Time) (State, uint64) {
	switch b.state {
	case Closed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case Open:
		if b.expiry.Before(now) {
			b.setState(HalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(s State, now time.Time) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	b.newGeneration(now)

	if s == Open {
		b.log.Warn("circuit opened", "breaker", b.cfg.Name, "from", from.String())
		return
	}
	b.log.Info("circuit state change",
		"breaker", b.cfg.Name, "from", from.String(), "to", s.String())
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case Closed:
		b.expiry = now.Add(b.cfg.Interval)
	case Open:
		b.expiry = now.Add(b.cfg.OpenFor)
	default:
		b.expiry = time.Time{}
	}
}
