package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZipfSelector_Validation(t *testing.T) {
	_, err := NewZipfSelector(0, 1.1, 1)
	assert.Error(t, err)

	_, err = NewZipfSelector(100, 0, 1)
	assert.Error(t, err)
}

func TestZipfSelector_SkewOverLargePopulation(t *testing.T) {
	const population = 2000
	const draws = 100000

	z, err := NewZipfSelector(population, 1.1, 42)
	require.NoError(t, err)

	counts := make(map[string]int, population)
	for i := 0; i < draws; i++ {
		counts[z.Pick()]++
	}

	ids := z.Population()
	rank1 := counts[ids[0]]
	rankLast := counts[ids[population-1]]

	// The head of the distribution must dominate the tail materially.
	assert.Greater(t, rank1, 50*(rankLast+1),
		"rank 1 should be selected far more often than rank 2000")

	// Selection frequency must be monotonically non-increasing by rank.
	// Individual tail ranks only get a handful of draws, so compare
	// geometric rank buckets rather than adjacent ranks.
	bounds := []int{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2000}
	var prevAvg float64
	for i := 0; i < len(bounds)-1; i++ {
		lo, hi := bounds[i], bounds[i+1]
		var sum int
		for r := lo; r < hi; r++ {
			sum += counts[ids[r-1]]
		}
		avg := float64(sum) / float64(hi-lo)
		if i > 0 {
			assert.LessOrEqual(t, avg, prevAvg,
				"bucket [%d,%d) should not out-draw the previous bucket", lo, hi)
		}
		prevAvg = avg
	}
}

func TestZipfSelector_CoversPopulation(t *testing.T) {
	z, err := NewZipfSelector(10, 1.1, 7)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 20000; i++ {
		seen[z.Pick()] = true
	}
	assert.Len(t, seen, 10, "all tenants should eventually be selected")
}
