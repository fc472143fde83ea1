package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffBounds(t *testing.T) {
	base := 2 * time.Second
	cap := 5 * time.Minute

	for n := 1; n <= 12; n++ {
		d := Backoff(n, base, cap)
		assert.GreaterOrEqual(t, int64(d), int64(float64(base)*0.8), "attempt %d", n)
		assert.LessOrEqual(t, int64(d), int64(float64(cap)*1.2), "attempt %d", n)
	}
}

func TestBackoffGrows(t *testing.T) {
	base := 2 * time.Second
	cap := 5 * time.Minute

	// jitter is +-20%, so attempt 3 (8s nominal) always exceeds
	// attempt 1 (2s nominal)
	d1 := Backoff(1, base, cap)
	d3 := Backoff(3, base, cap)
	assert.Greater(t, int64(d3), int64(d1))
}

func TestBackoffCapped(t *testing.T) {
	d := Backoff(50, 2*time.Second, 5*time.Minute)
	assert.LessOrEqual(t, int64(d), int64(6*time.Minute))
}
