package core

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_Backoff_CapsAtMaxPause(t *testing.T) {
	policy := BackoffPolicy{
		MaxFailureRate: 5,
		MinPause:       1 * time.Second,
		MaxPause:       3 * time.Second,
		Randomize:      0,
	}
	rng := rand.New(rand.NewSource(1))

	assert.Equal(t, 1*time.Second, policy.Backoff(1, rng))
	assert.Equal(t, 2*time.Second, policy.Backoff(2, rng))
	// attempt 3 would be 3s uncapped, attempt 4 would be 4s but caps at MaxPause.
	assert.Equal(t, 3*time.Second, policy.Backoff(4, rng))
}

func TestBackoffPolicy_Backoff_BoundsOfJitter(t *testing.T) {
	policy := BackoffPolicy{
		MinPause:  1 * time.Second,
		MaxPause:  10 * time.Second,
		Randomize: 2 * time.Second,
	}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		d := policy.Backoff(1, rng)
		assert.GreaterOrEqual(t, d, 1*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestNewRand_DifferentSeedsDiverge(t *testing.T) {
	a := NewRand(1)
	b := NewRand(2)
	assert.NotEqual(t, a.Int63(), b.Int63())
}
