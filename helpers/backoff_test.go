package helpers

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowth(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, K: 2}
	for n := 0; n < 10; n++ {
		expect := time.Duration(math.Min(float64(b.Min)*math.Pow(b.K, float64(n)), float64(b.Max)))
		assert.Equal(t, expect, b.Failure(), "failure n=%d", n)
	}
	assert.Equal(t, b.Max, b.Current())
	assert.NotZero(t, b.SinceFailure())
}

func TestBackoffReset(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 50 * time.Millisecond, Max: time.Second, K: 3}
	b.Failure()
	b.Failure()
	assert.Equal(t, 450*time.Millisecond, b.Current())
	b.Reset()
	assert.Equal(t, b.Min, b.Failure())
	assert.Equal(t, 150*time.Millisecond, b.Failure())
}

func TestBackoffFractionalK(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 1 * time.Second, Max: 5 * time.Second, K: 1.5}
	assert.Equal(t, 1000*time.Millisecond, b.Failure())
	assert.Equal(t, 1500*time.Millisecond, b.Failure())
	assert.Equal(t, 2250*time.Millisecond, b.Failure())
	assert.Equal(t, 3375*time.Millisecond, b.Failure())
	assert.Equal(t, 5*time.Second, b.Failure())
	assert.Equal(t, 5*time.Second, b.Failure())
}

func TestBackoffSmallFloor(t *testing.T) {
	t.Parallel()

	ms := time.Millisecond
	type Case struct {
		min    time.Duration
		max    time.Duration
		k      float64
		expect []time.Duration
	}
	cases := []Case{
		{1 * ms, time.Second, 1.5, []time.Duration{1 * ms, 1 * ms, 2 * ms, 3 * ms, 5 * ms, 7 * ms, 11 * ms}},
		{4 * ms, time.Second, 1.2, []time.Duration{4 * ms, 4 * ms, 5 * ms, 6 * ms, 8 * ms, 9 * ms, 11 * ms}},
		{1 * ms, 10 * ms, 2.5, []time.Duration{1 * ms, 2 * ms, 6 * ms, 10 * ms, 10 * ms}},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("min=%v/k=%v", c.min, c.k), func(t *testing.T) {
			t.Parallel()
			b := Backoff{Min: c.min, Max: c.max, K: c.k}
			got := make([]time.Duration, len(c.expect))
			for i := range got {
				got[i] = b.Failure()
			}
			assert.Equal(t, c.expect, got)
			assert.Equal(t, len(c.expect), b.Failures())
		})
	}
}

func TestBackoffFormula(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, K: 1.3}
	for n := 0; n < 20; n++ {
		f := math.Min(float64(b.Min)*math.Pow(b.K, float64(n)), float64(b.Max))
		expect := time.Duration(f) / time.Millisecond * time.Millisecond
		assert.Equal(t, expect, b.Current(), "current n=%d", n)
		assert.Equal(t, expect, b.Failure(), "failure n=%d", n)
	}
	b.Reset()
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, b.Min, b.Current())
}

func TestSleepInterrupt(t *testing.T) {
	t.Parallel()

	stopch := make(chan struct{})
	close(stopch)
	begin := time.Now()
	assert.False(t, Sleep(time.Minute, stopch))
	assert.Less(t, int64(time.Since(begin)), int64(time.Second))
	assert.True(t, Sleep(time.Millisecond, make(chan struct{})))
}
