package resilience

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
)

// ErrCircuitOpen is returned by Allow when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit open")

// State is a circuit breaker state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects every call until the open timeout elapses.
	StateOpen
	// StateHalfOpen admits one trial call at a time.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes that
	// closes the circuit. Default: 1
	SuccessThreshold int

	// Timeout is how long the circuit stays open before a trial is allowed.
	// Default: 30 seconds
	Timeout time.Duration

	// Window bounds how far apart counted failures may be. A failure that
	// arrives after the window restarts the count. Default: 60 seconds
	Window time.Duration
}

// DefaultBreakerConfig provides reasonable defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 1,
	Timeout:          30 * time.Second,
	Window:           60 * time.Second,
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultBreakerConfig.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultBreakerConfig.Timeout
	}
	if c.Window <= 0 {
		c.Window = DefaultBreakerConfig.Window
	}
	return c
}

// BreakerSnapshot is a read-only view of a breaker.
type BreakerSnapshot struct {
	Handler       string
	EventType     string
	State         State
	FailureCount  int
	SuccessCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
	TrialInFlight bool
}

// Breaker is a circuit breaker guarding one handler for one event type.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state          State
	failures       int
	successes      int
	firstFailureAt time.Time
	lastFailureAt  time.Time
	openedAt       time.Time
	trialInFlight  bool

	onTransition func(from, to State)
}

// NewBreaker creates a closed breaker. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg.withDefaults(), now: now}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen when
// the circuit is open, or half-open with a trial already in flight.
// Every successful Allow must be followed by exactly one Done.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Timeout {
			return ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
		return nil
	default:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
}

// Done records the outcome of an allowed call.
// Business errors mean the dependency answered, so they count as successes.
func (b *Breaker) Done(err error) {
	if err != nil && sferrors.IsBusiness(err) {
		err = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.recordSuccessLocked()
		return
	}
	b.recordFailureLocked()
}

// Release gives back an allowed call that never ran, leaving counters untouched.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) recordSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) recordFailureLocked() {
	now := b.now()
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		if b.failures == 0 || now.Sub(b.firstFailureAt) > b.cfg.Window {
			b.failures = 0
			b.firstFailureAt = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.firstFailureAt = time.Time{}
	}
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:         b.state,
		FailureCount:  b.failures,
		SuccessCount:  b.successes,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
		TrialInFlight: b.trialInFlight,
	}
}

// BreakerSet holds one breaker per (handler, event type) pair.
type BreakerSet struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	now          func() time.Time
	breakers     map[string]*Breaker
	onTransition func(handler, eventType string, from, to State)
}

// NewBreakerSet creates an empty set. onTransition may be nil.
func NewBreakerSet(cfg BreakerConfig, now func() time.Time, onTransition func(handler, eventType string, from, to State)) *BreakerSet {
	if now == nil {
		now = time.Now
	}
	return &BreakerSet{
		cfg:          cfg.withDefaults(),
		now:          now,
		breakers:     make(map[string]*Breaker),
		onTransition: onTransition,
	}
}

func breakerKey(handler, eventType string) string {
	return handler + "|" + eventType
}

// Get returns the breaker for handler and eventType, creating it if needed.
func (s *BreakerSet) Get(handler, eventType string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := breakerKey(handler, eventType)
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b := NewBreaker(s.cfg, s.now)
	if s.onTransition != nil {
		hook := s.onTransition
		b.onTransition = func(from, to State) {
			hook(handler, eventType, from, to)
		}
	}
	s.breakers[key] = b
	return b
}

// Snapshots returns a snapshot of every breaker, sorted by handler then type.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	keys := make([]string, 0, len(s.breakers))
	breakers := make(map[string]*Breaker, len(s.breakers))
	for k, b := range s.breakers {
		keys = append(keys, k)
		breakers[k] = b
	}
	s.mu.Unlock()

	sort.Strings(keys)
	out := make([]BreakerSnapshot, 0, len(keys))
	for _, k := range keys {
		snap := breakers[k].Snapshot()
		snap.Handler, snap.EventType, _ = strings.Cut(k, "|")
		out = append(out, snap)
	}
	return out
}
