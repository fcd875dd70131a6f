package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/pkg/common/timeutil"
)

func key(commit string) scanning.CacheKey {
	return scanning.CacheKey{Owner: "psf", Name: "requests", CommitSHA: commit, ConfigFingerprint: "fp"}
}

func cachedScan(t *testing.T, commit string) scanning.CachedScan {
	t.Helper()

	repo, err := scanning.NewRepositoryIdentity("psf", "requests")
	require.NoError(t, err)
	ref, err := scanning.NewSnapshotRef(repo, "main", commit)
	require.NoError(t, err)

	result := scanning.NewScanResult(
		uuid.New(),
		ref,
		"fp",
		[]scanning.DetectorOutcome{scanning.Succeeded(scanning.DetectorOSV, nil, time.Second)},
		time.Now(),
	)
	return scanning.CachedScan{Result: result, Metrics: scanning.ComputeMetrics(result)}
}

func TestScanCache_GetBeforeAndAfterTTL(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewScanCache(WithTTL(time.Hour), WithClock(clock))

	value := cachedScan(t, "abc")
	cache.Put(key("abc"), value)

	got, ok := cache.Get(key("abc"))
	require.True(t, ok)
	assert.Same(t, value.Result, got.Result)

	clock.Advance(59 * time.Minute)
	_, ok = cache.Get(key("abc"))
	assert.True(t, ok, "entry is still fresh")

	clock.Advance(time.Minute)
	_, ok = cache.Get(key("abc"))
	assert.False(t, ok, "entry expired")
	assert.Equal(t, 0, cache.Len(), "expired entry is removed on read")

	stats := cache.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Expirations)
}

func TestScanCache_EntriesAreIsolatedFromCallers(t *testing.T) {
	t.Parallel()

	cache := NewScanCache()

	value := cachedScan(t, "abc")
	value.Metrics.Ecosystems = []string{"PyPI"}
	cache.Put(key("abc"), value)
	value.Metrics.Ecosystems[0] = "mutated-after-put"

	got, ok := cache.Get(key("abc"))
	require.True(t, ok)
	assert.Equal(t, []string{"PyPI"}, got.Metrics.Ecosystems)
	got.Metrics.Ecosystems[0] = "mutated-after-get"
	got.Metrics.FailedDetectors = append(got.Metrics.FailedDetectors, scanning.DetectorTrivy)

	again, ok := cache.Get(key("abc"))
	require.True(t, ok)
	assert.Equal(t, []string{"PyPI"}, again.Metrics.Ecosystems)
	assert.Empty(t, again.Metrics.FailedDetectors)
}

func TestScanCache_CapacityEvictsFirstInserted(t *testing.T) {
	t.Parallel()

	const capacity = 3
	cache := NewScanCache(WithCapacity(capacity))

	for i := 0; i <= capacity; i++ {
		commit := fmt.Sprintf("c%d", i)
		cache.Put(key(commit), cachedScan(t, commit))
	}

	_, ok := cache.Get(key("c0"))
	assert.False(t, ok, "first inserted key is evicted")
	for i := 1; i <= capacity; i++ {
		_, ok := cache.Get(key(fmt.Sprintf("c%d", i)))
		assert.True(t, ok, "c%d should remain", i)
	}
	assert.Equal(t, capacity, cache.Len())
	assert.Equal(t, uint64(1), cache.Stats().Evictions)
}

func TestScanCache_ReadsDoNotAffectEvictionOrder(t *testing.T) {
	t.Parallel()

	cache := NewScanCache(WithCapacity(2))
	cache.Put(key("a"), cachedScan(t, "a"))
	cache.Put(key("b"), cachedScan(t, "b"))

	_, ok := cache.Get(key("a"))
	require.True(t, ok)

	cache.Put(key("c"), cachedScan(t, "c"))
	_, ok = cache.Get(key("a"))
	assert.False(t, ok, "a is still the oldest insertion even though it was read")
	_, ok = cache.Get(key("b"))
	assert.True(t, ok)
}

func TestScanCache_RePutIsFreshInsertion(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewScanCache(WithCapacity(2), WithTTL(time.Hour), WithClock(clock))
	cache.Put(key("a"), cachedScan(t, "a"))
	cache.Put(key("b"), cachedScan(t, "b"))

	clock.Advance(30 * time.Minute)
	cache.Put(key("a"), cachedScan(t, "a"))
	cache.Put(key("c"), cachedScan(t, "c"))

	_, ok := cache.Get(key("b"))
	assert.False(t, ok, "b became the oldest insertion")

	clock.Advance(45 * time.Minute)
	_, ok = cache.Get(key("a"))
	assert.True(t, ok, "re-put restarted the TTL")
}

func TestScanCache_PutPurgesExpiredPrefix(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := NewScanCache(WithCapacity(2), WithTTL(time.Hour), WithClock(clock))
	cache.Put(key("a"), cachedScan(t, "a"))
	clock.Advance(10 * time.Minute)
	cache.Put(key("b"), cachedScan(t, "b"))

	clock.Advance(55 * time.Minute)
	cache.Put(key("c"), cachedScan(t, "c"))

	assert.Equal(t, 2, cache.Len())
	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Expirations)
	assert.Zero(t, stats.Evictions, "expired entries make room before capacity eviction")
}

func TestScanCache_DeleteAndClear(t *testing.T) {
	t.Parallel()

	cache := NewScanCache()
	cache.Put(key("a"), cachedScan(t, "a"))
	cache.Put(key("b"), cachedScan(t, "b"))

	cache.Delete(key("a"))
	_, ok := cache.Get(key("a"))
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Len())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
	_, ok = cache.Get(key("b"))
	assert.False(t, ok)
}

func TestScanCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	cache := NewScanCache(WithCapacity(16))
	values := make([]scanning.CachedScan, 8)
	for i := range values {
		values[i] = cachedScan(t, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				idx := (w + i) % len(values)
				k := key(fmt.Sprintf("c%d", idx))
				cache.Put(k, values[idx])
				if got, ok := cache.Get(k); ok {
					assert.Equal(t, values[idx].Result.Snapshot().CommitSHA, got.Result.Snapshot().CommitSHA)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 16)
}
