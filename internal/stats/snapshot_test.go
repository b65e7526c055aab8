package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotIncSeedsWithStart(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	require.NoError(t, s.Inc("item_scraped_count", 1, 10))
	require.NoError(t, s.Inc("item_scraped_count", 2, 10))

	v, ok := s.Get("item_scraped_count")
	require.True(t, ok)
	require.Equal(t, int64(13), v)
}

func TestSnapshotIncPromotesToFloat(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	require.NoError(t, s.Inc("elapsed", 1.5, 0))
	require.NoError(t, s.Inc("elapsed", 1, 0))
	require.Equal(t, 2.5, mustGet(t, s, "elapsed"))
}

func TestSnapshotIncRejectsNonNumeric(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	s.Set("finish_reason", "finished")
	err := s.Inc("finish_reason", 1, 0)
	require.ErrorIs(t, err, ErrNonNumeric)
	require.Equal(t, "finished", mustGet(t, s, "finish_reason"))
}

func TestSnapshotMaxMin(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	require.NoError(t, s.Max("depth", 3))
	require.NoError(t, s.Max("depth", 1))
	require.NoError(t, s.Max("depth", 7))
	require.Equal(t, 7, mustGet(t, s, "depth"))

	require.NoError(t, s.Min("latency", 0.5))
	require.NoError(t, s.Min("latency", 0.9))
	require.NoError(t, s.Min("latency", 0.1))
	require.Equal(t, 0.1, mustGet(t, s, "latency"))
}

func TestSnapshotMaxComparesTimes(t *testing.T) {
	t.Parallel()

	early := time.Unix(100, 0).UTC()
	late := time.Unix(200, 0).UTC()

	s := NewSnapshot()
	require.NoError(t, s.Max("last_seen", early))
	require.NoError(t, s.Max("last_seen", late))
	require.Equal(t, late, mustGet(t, s, "last_seen"))

	require.ErrorIs(t, s.Max("last_seen", 5), ErrNonNumeric)
}

func TestSnapshotAllReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	s.Set("a", 1)
	all := s.All()
	all["a"] = 2
	all["b"] = 3

	require.Equal(t, 1, mustGet(t, s, "a"))
	require.Equal(t, 1, s.Len())

	s.Replace(map[string]any{"x": 1, "y": 2})
	require.Equal(t, 2, s.Len())
	s.Clear()
	require.Zero(t, s.Len())
}

func TestSnapshotConcurrentInc(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = s.Inc("requests", 1, 0)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1000), mustGet(t, s, "requests"))
}

func mustGet(t *testing.T, s *Snapshot, key string) any {
	t.Helper()
	v, ok := s.Get(key)
	require.True(t, ok, "missing %s", key)
	return v
}
