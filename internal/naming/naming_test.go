package naming

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statsbridge/internal/stats"
)

func TestSubstatSplitting(t *testing.T) {
	t.Parallel()

	strategy, err := New(Config{Policy: PolicySubstat, Prefix: "crawler_stats"})
	require.NoError(t, err)

	tests := []struct {
		key     string
		name    string
		substat string
	}{
		{key: "foo", name: "crawler_stats_foo", substat: ""},
		{key: "foo/bar", name: "crawler_stats_foo", substat: "bar"},
		{key: "foo/bar/baz", name: "crawler_stats_foo", substat: "bar/baz"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			res, err := strategy.Resolve(tt.key, stats.Entity{Name: "news"})
			require.NoError(t, err)
			require.Equal(t, tt.name, res.Name)
			require.Equal(t, stats.Labels{SubstatLabel: tt.substat}, res.Labels)
			require.Equal(t, DefaultPartition, res.Partition)
		})
	}
}

func TestSubstatStrategyMergesDefaultLabels(t *testing.T) {
	t.Parallel()

	strategy, err := New(Config{
		Policy:        PolicySubstat,
		Prefix:        "app_prometheus",
		DefaultLabels: stats.Labels{"instance": "host1", SubstatLabel: "ignored"},
	})
	require.NoError(t, err)

	res, err := strategy.Resolve("downloader/response_count", stats.Entity{Name: "news"})
	require.NoError(t, err)
	require.Equal(t, "app_prometheus_downloader", res.Name)
	require.Equal(t, stats.Labels{SubstatLabel: "response_count", "instance": "host1"}, res.Labels)
	require.Equal(t, DefaultPartition, res.Partition)
}

func TestEntityStrategyFoldsKeyAndLabelsEntity(t *testing.T) {
	t.Parallel()

	strategy, err := New(Config{
		Policy:        PolicyEntity,
		Prefix:        "app_prometheus",
		DefaultLabels: stats.Labels{"instance": "host1"},
	})
	require.NoError(t, err)

	res, err := strategy.Resolve("downloader/response_count/200", stats.Entity{Name: "news_crawler"})
	require.NoError(t, err)
	require.Equal(t, "app_prometheus_downloader_response_count_200", res.Name)
	require.Equal(t, "downloader/response_count/200", res.Help)
	require.Equal(t, stats.Labels{EntityLabel: "news_crawler", "instance": "host1"}, res.Labels)
	require.Equal(t, DefaultPartition, res.Partition)

	res, err = strategy.Resolve("foo", stats.Entity{})
	require.NoError(t, err)
	require.Equal(t, "", res.Labels[EntityLabel])
}

func TestEntityPartitioning(t *testing.T) {
	t.Parallel()

	strategy, err := New(Config{Policy: PolicyEntity, Partitioning: PartitionEntity, Prefix: "app"})
	require.NoError(t, err)

	res, err := strategy.Resolve("foo", stats.Entity{Name: "spider_a"})
	require.NoError(t, err)
	require.Equal(t, "spider_a", res.Partition)

	res, err = strategy.Resolve("foo", stats.Entity{})
	require.NoError(t, err)
	require.Equal(t, DefaultPartition, res.Partition)
}

func TestMetricNameDeterministic(t *testing.T) {
	t.Parallel()

	keys := []string{"foo", "foo/bar", "log_count/INFO", "downloader/exception_type_count/net.OpError"}
	for _, key := range keys {
		first := MetricName("p", key)
		require.Equal(t, first, MetricName("p", key))
		require.Equal(t, "p_"+Sanitize(key), first)
		require.True(t, ValidMetricName(first), first)
		require.Equal(t, first, "p_"+Sanitize(Sanitize(key)))
	}
	require.Equal(t, "p_downloader_exception_type_count_net_OpError", MetricName("p", keys[3]))
}

func TestResolveRejectsMalformedKeys(t *testing.T) {
	t.Parallel()

	for _, policy := range []Policy{PolicySubstat, PolicyEntity} {
		strategy, err := New(Config{Policy: policy, Prefix: "app"})
		require.NoError(t, err)
		for _, key := range []string{"", "a//b", "/a"} {
			_, err := strategy.Resolve(key, stats.Entity{})
			require.ErrorIs(t, err, stats.ErrMalformedKey, "policy %s key %q", policy, key)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty prefix", cfg: Config{Prefix: ""}},
		{name: "prefix with dash", cfg: Config{Prefix: "my-app"}},
		{name: "bad label", cfg: Config{Prefix: "app", DefaultLabels: stats.Labels{"1bad": "x"}}},
		{name: "reserved label", cfg: Config{Prefix: "app", DefaultLabels: stats.Labels{"__name__": "x"}}},
		{name: "unknown policy", cfg: Config{Prefix: "app", Policy: "folded"}},
		{name: "unknown partitioning", cfg: Config{Prefix: "app", Partitioning: "per_host"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			require.ErrorIs(t, err, stats.ErrConfiguration)
		})
	}
}
