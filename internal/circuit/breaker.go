// Package circuit protects the durable stores from being hammered while
// they are failing.
package circuit

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config tunes a Breaker.
type Config struct {
	Name          string
	MaxFailures   int           // consecutive failures before opening
	ResetTimeout  time.Duration // first wait before a half-open probe
	MaxTimeout    time.Duration // cap for the doubled wait after failed probes
	OnStateChange func(from, to State)
}

// Breaker implements closed / open / half-open with exponential reopen backoff.
// A single probe is let through while half-open.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	timeout  time.Duration
	probing  bool

	// Metrics
	rejected uint64
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Second
	}
	if cfg.MaxTimeout < cfg.ResetTimeout {
		cfg.MaxTimeout = 30 * time.Second
		if cfg.MaxTimeout < cfg.ResetTimeout {
			cfg.MaxTimeout = cfg.ResetTimeout
		}
	}
	return &Breaker{cfg: cfg, now: time.Now, timeout: cfg.ResetTimeout}
}

// Call executes fn if the circuit allows it.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			b.rejected++
			return false
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			b.rejected++
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.timeout = b.cfg.ResetTimeout
		b.probing = false
		b.transition(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// a failed probe reopens with a longer wait
		b.probing = false
		b.timeout *= 2
		if b.timeout > b.cfg.MaxTimeout {
			b.timeout = b.cfg.MaxTimeout
		}
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0

	log.WithFields(log.Fields{
		"breaker": b.cfg.Name,
		"from":    from.String(),
		"to":      to.String(),
		"timeout": b.timeout,
	}).Warn("Circuit breaker state changed")

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetMetrics returns circuit breaker metrics
func (b *Breaker) GetMetrics() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int64{
		"state":             int64(b.state),
		"current_failures":  int64(b.failures),
		"rejected_requests": int64(b.rejected),
		"timeout_ms":        b.timeout.Milliseconds(),
	}
}
