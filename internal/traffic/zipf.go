package traffic

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// ZipfSelector picks tenants with power-law popularity: weight(i) = 1/i^alpha
// over the ranked population, so a few tenants dominate traffic volume.
type ZipfSelector struct {
	mu         sync.Mutex
	rng        *rand.Rand
	cumulative []float64
	ids        []string
}

// NewZipfSelector builds the normalized cumulative distribution for a
// population of n tenants. Tenant IDs are rank-ordered: rank 1 is the
// most popular.
func NewZipfSelector(n int, alpha float64, seed int64) (*ZipfSelector, error) {
	if n <= 0 {
		return nil, fmt.Errorf("traffic: population must be positive, got %d", n)
	}
	if alpha <= 0 {
		return nil, fmt.Errorf("traffic: alpha must be positive, got %v", alpha)
	}

	weights := make([]float64, n)
	var total float64
	for i := 0; i < n; i++ {
		w := 1 / math.Pow(float64(i+1), alpha)
		weights[i] = w
		total += w
	}

	cumulative := make([]float64, n)
	ids := make([]string, n)
	var sum float64
	for i := 0; i < n; i++ {
		sum += weights[i] / total
		cumulative[i] = sum
		ids[i] = fmt.Sprintf("tenant-%04d", i+1)
	}
	// Guard against float drift on the last bucket.
	cumulative[n-1] = 1

	return &ZipfSelector{
		rng:        rand.New(rand.NewSource(seed)),
		cumulative: cumulative,
		ids:        ids,
	}, nil
}

// Pick draws a tenant ID from the distribution.
func (z *ZipfSelector) Pick() string {
	z.mu.Lock()
	u := z.rng.Float64()
	z.mu.Unlock()

	idx := sort.SearchFloat64s(z.cumulative, u)
	if idx >= len(z.ids) {
		idx = len(z.ids) - 1
	}
	return z.ids[idx]
}

// Population returns the tenant ID list in rank order.
func (z *ZipfSelector) Population() []string {
	out := make([]string, len(z.ids))
	copy(out, z.ids)
	return out
}
