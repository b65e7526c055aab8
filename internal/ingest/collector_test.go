package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/statsbridge/internal/naming"
	"github.com/JakeFAU/statsbridge/internal/registry"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

type countingObserver struct {
	ok, failed, skipped int
}

func (o *countingObserver) ObserveUpdate(_ stats.Op, err error) {
	if err != nil {
		o.failed++
		return
	}
	o.ok++
}

func (o *countingObserver) ObserveSkipped(stats.Op) {
	o.skipped++
}

func newTestCollector(t *testing.T, suppress bool, opts ...Option) (*Collector, *registry.Registry) {
	t.Helper()
	strategy, err := naming.New(naming.Config{
		Policy:        naming.PolicyEntity,
		Prefix:        "app_prometheus",
		DefaultLabels: stats.Labels{"instance": "host1"},
	})
	require.NoError(t, err)
	reg := registry.New(registry.WithSuppressTypeCheck(suppress))
	c, err := New(reg, strategy, zap.NewNop(), opts...)
	require.NoError(t, err)
	return c, reg
}

func metricValue(t *testing.T, reg *registry.Registry, name string, labels stats.Labels) float64 {
	t.Helper()
	entry, ok := reg.Partition(naming.DefaultPartition).Entry(name)
	require.True(t, ok, "metric %s not registered", name)
	v, err := entry.Value(labels)
	require.NoError(t, err)
	return v
}

var newsLabels = stats.Labels{naming.EntityLabel: "news", "instance": "host1"}

func TestIncValueAccumulates(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t, false)
	news := WithEntity(stats.Entity{Name: "news"})
	require.NoError(t, c.IncValue("item_scraped_count", 2, 0, news))
	require.NoError(t, c.IncValue("item_scraped_count", 3, 0, news))

	require.Equal(t, 5.0, metricValue(t, reg, "app_prometheus_item_scraped_count", newsLabels))
	v, ok := c.GetValue("item_scraped_count")
	require.True(t, ok)
	require.Equal(t, int64(5), v)
}

func TestIncValueStartOnlySeedsSnapshot(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t, false)
	news := WithEntity(stats.Entity{Name: "news"})
	require.NoError(t, c.IncValue("retries", 1, 100, news))

	require.Equal(t, 1.0, metricValue(t, reg, "app_prometheus_retries", newsLabels))
	v, _ := c.GetValue("retries")
	require.Equal(t, int64(101), v)
}

func TestSetThenMaxGauge(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t, false)
	news := WithEntity(stats.Entity{Name: "news"})
	require.NoError(t, c.SetValue("depth", 1, news))
	require.NoError(t, c.MaxValue("depth", 0, news))
	require.Equal(t, 1.0, metricValue(t, reg, "app_prometheus_depth", newsLabels))

	require.NoError(t, c.MaxValue("depth", 5, news))
	require.Equal(t, 5.0, metricValue(t, reg, "app_prometheus_depth", newsLabels))

	require.NoError(t, c.MinValue("depth", 2, news))
	require.Equal(t, 2.0, metricValue(t, reg, "app_prometheus_depth", newsLabels))
	v, _ := c.GetValue("depth")
	require.Equal(t, 2, v)
}

func TestSetNonNumericOnlyReachesSnapshot(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t, false)
	require.NoError(t, c.SetValue("finish_reason", "finished"))

	v, ok := c.GetValue("finish_reason")
	require.True(t, ok)
	require.Equal(t, "finished", v)
	require.Zero(t, reg.Partition(naming.DefaultPartition).Len())
}

func TestTypeConflictRaisedByDefault(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	c, reg := newTestCollector(t, false, WithObserver(obs))
	require.NoError(t, c.IncValue("foo", 3, 0))

	err := c.SetValue("foo", 10)
	require.ErrorIs(t, err, stats.ErrTypeConflict)

	// The snapshot keeps the update even though the metric path failed.
	v, _ := c.GetValue("foo")
	require.Equal(t, 10, v)
	noEntity := stats.Labels{naming.EntityLabel: "", "instance": "host1"}
	require.Equal(t, 3.0, metricValue(t, reg, "app_prometheus_foo", noEntity))
	require.Equal(t, 1, obs.ok)
	require.Equal(t, 1, obs.failed)
}

func TestTypeConflictSuppressed(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	c, reg := newTestCollector(t, true, WithObserver(obs))
	require.NoError(t, c.IncValue("foo", 3, 0))
	require.NoError(t, c.SetValue("foo", 10))
	require.NoError(t, c.MaxValue("foo", 50))

	noEntity := stats.Labels{naming.EntityLabel: "", "instance": "host1"}
	require.Equal(t, 3.0, metricValue(t, reg, "app_prometheus_foo", noEntity))
	require.Equal(t, 2, obs.skipped)
}

func TestMalformedKeyIsLoggedAndSkipped(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	strategy, err := naming.New(naming.Config{Policy: naming.PolicyEntity, Prefix: "app"})
	require.NoError(t, err)
	c, err := New(registry.New(), strategy, zap.New(core))
	require.NoError(t, err)

	err = c.IncValue("bad//key", 1, 0, WithEntity(stats.Entity{Name: "news"}))
	require.ErrorIs(t, err, stats.ErrMalformedKey)

	v, ok := c.GetValue("bad//key")
	require.True(t, ok)
	require.Equal(t, int64(1), v)

	entries := logs.FilterField(zap.String("key", "bad//key")).All()
	require.Len(t, entries, 1)
	require.Equal(t, "news", entries[0].ContextMap()["entity"])
}

func TestNegativeCounterIncrementRejected(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t, false)
	require.NoError(t, c.IncValue("pending", 2, 0))
	require.ErrorIs(t, c.IncValue("pending", -1, 0), stats.ErrInvalidValue)

	v, _ := c.GetValue("pending")
	require.Equal(t, int64(1), v)
	noEntity := stats.Labels{naming.EntityLabel: "", "instance": "host1"}
	require.Equal(t, 2.0, metricValue(t, reg, "app_prometheus_pending", noEntity))
}

func TestCallLabelsOverrideAndDoNotAlias(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t, false)
	labels := stats.Labels{"instance": "host2"}
	require.NoError(t, c.SetValue("queue_size", 4, WithLabels(labels)))
	labels["instance"] = "mutated"

	want := stats.Labels{naming.EntityLabel: "", "instance": "host2"}
	require.Equal(t, 4.0, metricValue(t, reg, "app_prometheus_queue_size", want))

	err := c.SetValue("queue_size", 5, WithLabels(stats.Labels{"region": "eu"}))
	require.ErrorIs(t, err, stats.ErrInvalidLabels)
}

func TestScopePinsEntity(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t, false)
	scope := c.ForEntity(stats.Entity{Name: "news"})
	require.Equal(t, "news", scope.Entity().Name)

	require.NoError(t, scope.Inc("pages"))
	require.NoError(t, scope.IncValue("pages", 2, 0))
	require.NoError(t, scope.SetValue("depth", 3))
	require.NoError(t, scope.MaxValue("depth", 1))
	require.NoError(t, scope.MinValue("latency", 0.25))
	require.NoError(t, scope.Inc("pages", WithEntity(stats.Entity{Name: "blog"})))

	require.Equal(t, 3.0, metricValue(t, reg, "app_prometheus_pages", newsLabels))
	require.Equal(t, 3.0, metricValue(t, reg, "app_prometheus_depth", newsLabels))
	require.Equal(t, 0.25, metricValue(t, reg, "app_prometheus_latency", newsLabels))
	blog := stats.Labels{naming.EntityLabel: "blog", "instance": "host1"}
	require.Equal(t, 1.0, metricValue(t, reg, "app_prometheus_pages", blog))
}

func TestEntityStatsAreIsolated(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector(t, false)
	news := c.ForEntity(stats.Entity{Name: "news"})
	blog := c.ForEntity(stats.Entity{Name: "blog"})
	require.NoError(t, blog.SetValue("blog_only", 3))
	require.NoError(t, blog.IncValue("pages", 7, 0))
	require.NoError(t, news.IncValue("pages", 5, 0))
	require.NoError(t, news.MaxValue("depth", 2))
	require.NoError(t, c.SetValue("queue_size", 1))

	require.Equal(t, map[string]any{"pages": int64(5), "depth": 2}, news.Stats())
	require.Equal(t, map[string]any{"pages": int64(7), "blog_only": 3}, blog.Stats())
	require.Equal(t, int64(12), c.Stats()["pages"])
	require.Equal(t, c.Stats(), c.EntityStats(stats.Entity{}))
	require.Empty(t, c.EntityStats(stats.Entity{Name: "unknown"}))

	c.ForgetEntity(stats.Entity{Name: "blog"})
	require.Empty(t, blog.Stats())
	require.Equal(t, 3, c.Stats()["blog_only"])

	c.ClearStats()
	require.Empty(t, news.Stats())
	require.Empty(t, c.Stats())
}

func TestUpdateDispatches(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector(t, false)
	for _, op := range []stats.Op{stats.OpSet, stats.OpInc, stats.OpMax, stats.OpMin} {
		key := "op_" + string(op)
		require.NoError(t, c.Update(op, key, 2))
	}
	require.Len(t, c.Stats(), 4)
	require.Error(t, c.Update(stats.Op("avg"), "x", 1))

	c.SetStats(map[string]any{"a": 1})
	require.Equal(t, map[string]any{"a": 1}, c.Stats())
	c.ClearStats()
	require.Empty(t, c.Stats())
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil)
	require.ErrorIs(t, err, stats.ErrConfiguration)
	_, err = New(registry.New(), nil, nil)
	require.ErrorIs(t, err, stats.ErrConfiguration)
}
