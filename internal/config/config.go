// Package config loads and validates bridge configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/statsbridge/internal/export/pull"
	"github.com/JakeFAU/statsbridge/internal/export/push"
	"github.com/JakeFAU/statsbridge/internal/naming"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

// EnvPrefix prefixes every environment override, e.g. STATSBRIDGE_PUSH_ADDRESS.
const EnvPrefix = "STATSBRIDGE"

// Persistence backends.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendLog      = "log"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
)

var hostname = os.Hostname

// Config captures all bridge configuration knobs loaded via Viper.
type Config struct {
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Push     PushConfig     `mapstructure:"push"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Persist  PersistConfig  `mapstructure:"persist"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
}

// MetricsConfig controls naming, labels and type checking.
type MetricsConfig struct {
	Prefix            string            `mapstructure:"prefix"`
	Strategy          string            `mapstructure:"strategy"`
	Partitioning      string            `mapstructure:"partitioning"`
	SuppressTypeCheck bool              `mapstructure:"suppress_type_check"`
	DefaultLabels     map[string]string `mapstructure:"default_labels"`
	DefaultMetrics    bool              `mapstructure:"default_metrics"`
	RuntimeMetrics    bool              `mapstructure:"runtime_metrics"`
	Report            bool              `mapstructure:"report"`
}

// PushConfig configures delivery to a Pushgateway. An empty address disables
// pushing.
type PushConfig struct {
	Address     string            `mapstructure:"address"`
	Method      string            `mapstructure:"method"`
	TimeoutMs   int               `mapstructure:"timeout_ms"`
	Job         string            `mapstructure:"job"`
	GroupingKey map[string]string `mapstructure:"grouping_key"`
}

// EndpointConfig configures the pull endpoint.
type EndpointConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PersistConfig selects where closed-entity snapshots are kept.
type PersistConfig struct {
	Backend string       `mapstructure:"backend"`
	DB      DBConfig     `mapstructure:"db"`
	GCS     GCSConfig    `mapstructure:"gcs"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// GCSConfig sets the bucket and object prefix for snapshot blobs.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds the topic snapshot notifications are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CrawlConfig drives the instrumented crawl command.
type CrawlConfig struct {
	Seeds          []string `mapstructure:"seeds"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	MaxDepth       int      `mapstructure:"max_depth"`
	UserAgent      string   `mapstructure:"user_agent"`
	Entity         string   `mapstructure:"entity"`
	Parallelism    int      `mapstructure:"parallelism"`
	DelayMs        int      `mapstructure:"delay_ms"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config: %v", stats.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %v", stats.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("metrics.prefix", "app_prometheus")
	v.SetDefault("metrics.strategy", string(naming.PolicyEntity))
	v.SetDefault("metrics.partitioning", string(naming.PartitionGlobal))
	v.SetDefault("metrics.suppress_type_check", false)
	v.SetDefault("metrics.default_labels", map[string]string{"instance": Hostname()})
	v.SetDefault("metrics.default_metrics", true)
	v.SetDefault("metrics.runtime_metrics", false)
	v.SetDefault("metrics.report", false)
	v.SetDefault("push.address", "")
	v.SetDefault("push.method", string(push.MethodAdditive))
	v.SetDefault("push.timeout_ms", 5000)
	v.SetDefault("push.job", "app")
	v.SetDefault("endpoint.enabled", true)
	v.SetDefault("endpoint.host", "0.0.0.0")
	v.SetDefault("endpoint.port", 9410)
	v.SetDefault("endpoint.path", "/metrics")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("persist.backend", BackendMemory)
	v.SetDefault("persist.db.max_conns", 4)
	v.SetDefault("persist.gcs.prefix", "stats")
	v.SetDefault("crawl.max_depth", 1)
	v.SetDefault("crawl.user_agent", "statsbridge/0.1")
	v.SetDefault("crawl.parallelism", 2)
	v.SetDefault("crawl.delay_ms", 0)
	v.SetDefault("crawl.timeout_seconds", 15)
}

// Hostname returns the host identity used for the default instance label.
func Hostname() string {
	name, err := hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if !naming.ValidMetricName(c.Metrics.Prefix) {
		return invalid("metrics.prefix %q is not a valid metric name", c.Metrics.Prefix)
	}
	switch naming.Policy(c.Metrics.Strategy) {
	case naming.PolicySubstat, naming.PolicyEntity:
	default:
		return invalid("metrics.strategy must be %q or %q, got %q",
			naming.PolicySubstat, naming.PolicyEntity, c.Metrics.Strategy)
	}
	switch naming.Partitioning(c.Metrics.Partitioning) {
	case naming.PartitionGlobal, naming.PartitionEntity:
	default:
		return invalid("metrics.partitioning must be %q or %q, got %q",
			naming.PartitionGlobal, naming.PartitionEntity, c.Metrics.Partitioning)
	}
	for name := range c.Metrics.DefaultLabels {
		if !naming.ValidLabelName(name) {
			return invalid("metrics.default_labels: %q is not a valid label name", name)
		}
	}
	if _, err := push.ParseMethod(c.Push.Method); err != nil {
		return invalid("push.method: %v", err)
	}
	if c.Push.TimeoutMs <= 0 {
		return invalid("push.timeout_ms must be > 0")
	}
	if c.Push.Address != "" && c.Push.Job == "" {
		return invalid("push.job must be set when push.address is set")
	}
	for name := range c.Push.GroupingKey {
		if !naming.ValidLabelName(name) || name == "job" {
			return invalid("push.grouping_key: %q is not a valid grouping label", name)
		}
	}
	if c.Endpoint.Enabled {
		if c.Endpoint.Port < 0 || c.Endpoint.Port > 65535 {
			return invalid("endpoint.port must be within 0-65535")
		}
		if !strings.HasPrefix(c.Endpoint.Path, "/") {
			return invalid("endpoint.path must start with /")
		}
		if naming.Partitioning(c.Metrics.Partitioning) == naming.PartitionEntity {
			return invalid("endpoint.enabled requires metrics.partitioning=%q; per-entity partitions can only be pushed",
				naming.PartitionGlobal)
		}
	}
	switch c.Persist.Backend {
	case BackendNone, BackendMemory, BackendLog:
	case BackendPostgres:
		if c.Persist.DB.DSN == "" {
			return invalid("persist.db.dsn must be set for the postgres backend")
		}
	case BackendGCS:
		if c.Persist.GCS.Bucket == "" {
			return invalid("persist.gcs.bucket must be set for the gcs backend")
		}
	case BackendPubSub:
		if c.Persist.PubSub.ProjectID == "" || c.Persist.PubSub.TopicName == "" {
			return invalid("persist.pubsub.project_id and persist.pubsub.topic_name must be set for the pubsub backend")
		}
	default:
		return invalid("persist.backend %q is not supported", c.Persist.Backend)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", stats.ErrConfiguration, fmt.Sprintf(format, args...))
}

// NamingConfig converts the metrics section into a naming.Config.
func (c Config) NamingConfig() naming.Config {
	return naming.Config{
		Policy:        naming.Policy(c.Metrics.Strategy),
		Partitioning:  naming.Partitioning(c.Metrics.Partitioning),
		Prefix:        c.Metrics.Prefix,
		DefaultLabels: stats.Labels(c.Metrics.DefaultLabels).Clone(),
	}
}

// PushMethod returns the parsed push method. Validate guarantees it parses.
func (c Config) PushMethod() push.Method {
	m, err := push.ParseMethod(c.Push.Method)
	if err != nil {
		return push.MethodAdditive
	}
	return m
}

// PushTimeout converts push.timeout_ms into a duration.
func (c Config) PushTimeout() time.Duration {
	return time.Duration(c.Push.TimeoutMs) * time.Millisecond
}

// PullConfig converts the endpoint section into a pull.Config.
func (c Config) PullConfig() pull.Config {
	return pull.Config{Host: c.Endpoint.Host, Port: c.Endpoint.Port, Path: c.Endpoint.Path}
}

// CrawlTimeout converts crawl.timeout_seconds into a duration.
func (c Config) CrawlTimeout() time.Duration {
	return time.Duration(c.Crawl.TimeoutSeconds) * time.Second
}
