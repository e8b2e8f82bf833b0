package circuitbreaker

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestBreaker(enabled bool) (*CircuitBreaker, *time.Time) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cb := NewCircuitBreaker("test", enabled, 3, time.Minute, 5*time.Minute, logger)
	clock := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(true)

	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.True(t, cb.RecordFailure())
	assert.True(t, cb.IsOpen())

	cb.Reset()
	assert.False(t, cb.IsOpen())
}

func TestBreakerWindowAndTimeout(t *testing.T) {
	testCases := []struct {
		name     string
		run      func(cb *CircuitBreaker, clock *time.Time)
		wantOpen bool
	}{
		{
			name: "Failures outside window do not accumulate",
			run: func(cb *CircuitBreaker, clock *time.Time) {
				cb.RecordFailure()
				cb.RecordFailure()
				*clock = clock.Add(2 * time.Minute)
				cb.RecordFailure()
			},
			wantOpen: false,
		},
		{
			name: "Closes after reset timeout",
			run: func(cb *CircuitBreaker, clock *time.Time) {
				for i := 0; i < 3; i++ {
					cb.RecordFailure()
				}
				*clock = clock.Add(6 * time.Minute)
			},
			wantOpen: false,
		},
		{
			name: "Success clears count",
			run: func(cb *CircuitBreaker, clock *time.Time) {
				cb.RecordFailure()
				cb.RecordFailure()
				cb.RecordSuccess()
				cb.RecordFailure()
			},
			wantOpen: false,
		},
		{
			name: "Stays open inside timeout",
			run: func(cb *CircuitBreaker, clock *time.Time) {
				for i := 0; i < 3; i++ {
					cb.RecordFailure()
				}
				*clock = clock.Add(time.Minute)
			},
			wantOpen: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cb, clock := newTestBreaker(true)
			tc.run(cb, clock)
			assert.Equal(t, tc.wantOpen, cb.IsOpen())
			assert.Equal(t, tc.wantOpen, cb.GetState().Open)
		})
	}
}

func TestDisabledBreakerNeverOpens(t *testing.T) {
	cb, _ := newTestBreaker(false)
	for i := 0; i < 10; i++ {
		assert.False(t, cb.RecordFailure())
	}
	assert.False(t, cb.IsOpen())
}
