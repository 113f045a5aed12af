package governor

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"bid-evaluation-service/internal/telemetry"
)

// State owns every tool's circuit breaker. One State is built at process
// start and shared by all call sites; tests build their own.
type State struct {
	threshold uint32
	reset     time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	openedAt map[string]time.Time
}

func NewState(failureThreshold int, reset time.Duration) *State {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if reset <= 0 {
		reset = 60 * time.Second
	}
	return &State{
		threshold: uint32(failureThreshold),
		reset:     reset,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		openedAt:  make(map[string]time.Time),
	}
}

// breaker returns the tool's breaker, keyed by tool name across all tenants.
func (s *State) breaker(tool string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[tool]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: 1,
		Interval:    s.reset,
		Timeout:     s.reset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.threshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, _, to gobreaker.State) {
			s.mu.Lock()
			if to == gobreaker.StateOpen {
				s.openedAt[name] = time.Now().UTC()
			} else if to == gobreaker.StateClosed {
				delete(s.openedAt, name)
			}
			s.mu.Unlock()
			telemetry.CircuitState.WithLabelValues(name).Set(float64(to))
		},
	})
	s.breakers[tool] = cb
	return cb
}

// BreakerSnapshot is the observable state of one tool breaker.
type BreakerSnapshot struct {
	Tool     string     `json:"tool"`
	State    string     `json:"state"`
	Failures uint32     `json:"failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// Snapshot reports the breaker for tool; unknown tools read as closed.
func (s *State) Snapshot(tool string) BreakerSnapshot {
	cb := s.breaker(tool)
	snap := BreakerSnapshot{Tool: tool, State: cb.State().String(), Failures: cb.Counts().ConsecutiveFailures}
	s.mu.Lock()
	if at, ok := s.openedAt[tool]; ok {
		snap.OpenedAt = &at
	}
	s.mu.Unlock()
	return snap
}
