package retry

import (
	"sync"
	"time"
)

// FatalThreshold is the number of non-transient failures after which
// automatic retries stop.
const FatalThreshold = 3

// Default pacing for heartbeats.
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 2 * time.Minute
)

// State is the coarse health of the retry loop.
type State int

const (
	StateHealthy State = iota
	StateBackoff
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateBackoff:
		return "backoff"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the retry state.
type Snapshot struct {
	State                State
	ConsecutiveFailures  int
	NextRetryAt          *time.Time
	NonTransientAttempts int
	IsFatal              bool
	LastErrorCode        *int
	LastErrorMessage     *string
}

// Manager is the per-connection retry state machine.
//
// Transient failures back off exponentially. Non-transient failures (bad
// credentials) share the same pacing but are also counted separately, and
// after FatalThreshold of them the manager refuses further attempts until
// ClearFatalError or Reset.
type Manager struct {
	mu sync.Mutex

	consecutiveFailures  int
	nextRetryAt          *time.Time
	nonTransientAttempts int
	isFatal              bool
	lastErrorCode        *int
	lastErrorMessage     *string

	base     time.Duration
	maxDelay time.Duration
	now      func() time.Time
	rng      Rand
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand injects the jitter source. It is only used under the manager's lock.
func WithRand(r Rand) Option {
	return func(m *Manager) { m.rng = r }
}

// NewManager creates a manager in the Healthy state.
func NewManager(base, maxDelay time.Duration, opts ...Option) *Manager {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay < base {
		maxDelay = base
	}
	m := &Manager{
		base:     base,
		maxDelay: maxDelay,
		now:      time.Now,
		rng:      globalRand{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordSuccess returns the manager to Healthy from any state.
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// RecordFailure registers a transient failure and returns the time at which
// the next attempt is allowed.
func (m *Manager) RecordFailure() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordFailureLocked()
}

// RecordNonTransientFailure registers a failure that waiting will not fix.
// It returns true exactly when this call made the state fatal.
func (m *Manager) RecordNonTransientFailure(code int, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recordFailureLocked()
	m.nonTransientAttempts++
	m.lastErrorCode = &code
	m.lastErrorMessage = &message

	if m.nonTransientAttempts >= FatalThreshold && !m.isFatal {
		m.isFatal = true
		return true
	}
	return false
}

func (m *Manager) recordFailureLocked() time.Time {
	m.consecutiveFailures++
	delay := ComputeDelay(m.consecutiveFailures, m.base, m.maxDelay, m.rng)
	next := m.now().Add(delay)
	m.nextRetryAt = &next
	return next
}

// ShouldAttemptHeartbeat reports whether an attempt is allowed now.
func (m *Manager) ShouldAttemptHeartbeat() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isFatal {
		return false
	}
	return m.nextRetryAt == nil || !m.now().Before(*m.nextRetryAt)
}

// UntilNextAttempt returns how long to wait before ShouldAttemptHeartbeat
// can become true; zero when an attempt is allowed now. The second result
// is false while the state is fatal.
func (m *Manager) UntilNextAttempt() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isFatal {
		return 0, false
	}
	if m.nextRetryAt == nil {
		return 0, true
	}
	wait := m.nextRetryAt.Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// ClearFatalError clears the fatal and non-transient fields only, keeping the
// ordinary backoff pacing.
func (m *Manager) ClearFatalError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isFatal = false
	m.nonTransientAttempts = 0
	m.lastErrorCode = nil
	m.lastErrorMessage = nil
}

// Reset returns to the initial state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Manager) resetLocked() {
	m.consecutiveFailures = 0
	m.nextRetryAt = nil
	m.nonTransientAttempts = 0
	m.isFatal = false
	m.lastErrorCode = nil
	m.lastErrorMessage = nil
}

// GetStatus returns the failure count and next retry time.
func (m *Manager) GetStatus() (int, *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures, copyTime(m.nextRetryAt)
}

// GetErrorStatus returns the fatal flag and the last non-transient error.
func (m *Manager) GetErrorStatus() (bool, *int, *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isFatal, copyInt(m.lastErrorCode), copyString(m.lastErrorMessage)
}

// Snapshot returns every field from a single transition.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := StateHealthy
	switch {
	case m.isFatal:
		state = StateFatal
	case m.consecutiveFailures > 0:
		state = StateBackoff
	}
	return Snapshot{
		State:                state,
		ConsecutiveFailures:  m.consecutiveFailures,
		NextRetryAt:          copyTime(m.nextRetryAt),
		NonTransientAttempts: m.nonTransientAttempts,
		IsFatal:              m.isFatal,
		LastErrorCode:        copyInt(m.lastErrorCode),
		LastErrorMessage:     copyString(m.lastErrorMessage),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
