package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	c := NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}

func TestExponential(t *testing.T) {
	e := NewExponential(2*time.Second, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 5, want: 32 * time.Second},
		{attempt: 6, want: time.Minute}, // capped
		{attempt: 20, want: time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_AttemptFloor(t *testing.T) {
	e := NewExponential(time.Second, 0)
	assert.Equal(t, time.Second, e.Delay(0))
	assert.Equal(t, time.Second, e.Delay(-3))
}

func TestFullJitter_WithinCeiling(t *testing.T) {
	f := NewFullJitter(2*time.Second, 30*time.Second)

	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := 2 * time.Second << (attempt - 1)
		if ceiling > 30*time.Second {
			ceiling = 30 * time.Second
		}
		for range 50 {
			d := f.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestDefault(t *testing.T) {
	s := Default()
	assert.LessOrEqual(t, s.Delay(30), time.Minute)
}
