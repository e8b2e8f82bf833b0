package circuitbreaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitBreaker opens after threshold failures inside window and closes
// again after resetTimeout or on a success.
type CircuitBreaker struct {
	name          string
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	now           func() time.Time
	logger        *logrus.Logger
	mu            sync.Mutex
}

func NewCircuitBreaker(name string, enabled bool, threshold int, window, resetTimeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:          name,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		now:           time.Now,
		logger:        logger,
	}
}

// RecordFailure records a failure and reports whether the circuit is open
// afterwards.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.tripped {
		if now.Sub(cb.tripTime) > cb.resetTimeout {
			cb.logger.WithField("breaker", cb.name).Info("Circuit breaker half-open after timeout")
			cb.tripped = false
			cb.failureCount = 0
		} else {
			return true
		}
	}

	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}
	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		cb.logger.WithFields(logrus.Fields{
			"breaker":  cb.name,
			"failures": cb.failureCount,
		}).Warn("Circuit breaker tripped")
		return true
	}
	return false
}

// RecordSuccess clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
}

func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.tripped = false
		cb.failureCount = 0
		return false
	}
	return cb.tripped
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = false
	cb.failureCount = 0
}

type State struct {
	Open          bool      `json:"open"`
	FailureCount  int       `json:"failure_count"`
	LastFailure   time.Time `json:"last_failure"`
	FailThreshold int       `json:"fail_threshold"`
	TripTime      time.Time `json:"trip_time"`
}

func (cb *CircuitBreaker) GetState() State {
	open := cb.IsOpen()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return State{
		Open:          open,
		FailureCount:  cb.failureCount,
		LastFailure:   cb.lastFailure,
		FailThreshold: cb.failThreshold,
		TripTime:      cb.tripTime,
	}
}
