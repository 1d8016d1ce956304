package simulate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Normalize(t *testing.T) {
	t.Run("fixes inverted bounds", func(t *testing.T) {
		env := Envelope{Min: 10 * time.Millisecond, Max: 5 * time.Millisecond}.Normalize()
		assert.Equal(t, env.Min, env.Max)
	})

	t.Run("clamps negative min", func(t *testing.T) {
		env := Envelope{Min: -time.Second, Max: time.Millisecond}.Normalize()
		assert.Equal(t, time.Duration(0), env.Min)
	})
}

func TestSimulator_Draw(t *testing.T) {
	sim := NewSeeded(42)
	env := Envelope{Min: 2 * time.Millisecond, Max: 8 * time.Millisecond}

	for i := 0; i < 1000; i++ {
		d := sim.Draw(env)
		assert.GreaterOrEqual(t, d, env.Min)
		assert.LessOrEqual(t, d, env.Max)
	}
}

func TestSimulator_Sleep(t *testing.T) {
	t.Run("zero envelope returns immediately", func(t *testing.T) {
		sim := NewSeeded(1)
		start := time.Now()
		err := sim.Sleep(context.Background(), Envelope{})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("respects cancellation", func(t *testing.T) {
		sim := NewSeeded(1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := sim.Sleep(ctx, Envelope{Min: time.Second, Max: time.Second})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSimulator_Fail(t *testing.T) {
	sim := NewSeeded(7)

	assert.False(t, sim.Fail(0))
	assert.True(t, sim.Fail(1))

	// Roughly 10% over many draws.
	hits := 0
	for i := 0; i < 10000; i++ {
		if sim.Fail(0.1) {
			hits++
		}
	}
	assert.InDelta(t, 1000, hits, 200)
}

func TestSimulator_Jitter(t *testing.T) {
	sim := NewSeeded(9)
	base := 100 * time.Millisecond

	assert.Equal(t, base, sim.Jitter(base, 0))

	for i := 0; i < 1000; i++ {
		d := sim.Jitter(base, 0.5)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
