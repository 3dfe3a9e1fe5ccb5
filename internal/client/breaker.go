package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"terminal-proxy/internal/model"
)

// breakerSet holds one circuit breaker per destination, created on first use.
// Only transport failures count against a breaker.
type breakerSet struct {
	threshold uint32
	open      time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(threshold int, open time.Duration, logger *slog.Logger) *breakerSet {
	if threshold < 1 {
		threshold = 1
	}
	return &breakerSet{
		threshold: uint32(threshold), //nolint:gosec // bounded by config validation
		open:      open,
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *breakerSet) get(dest string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[dest]; ok {
		return cb
	}

	threshold := s.threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dest,
		MaxRequests: 1,
		Timeout:     s.open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"destination", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	s.breakers[dest] = cb
	return cb
}

// state reports the breaker state for dest; destinations never used are closed.
func (s *breakerSet) state(dest string) gobreaker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[dest]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (s *breakerSet) execute(dest string, fn func() (*model.UpstreamResponse, error)) (*model.UpstreamResponse, error) {
	out, err := s.get(dest).Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return out.(*model.UpstreamResponse), nil
}
