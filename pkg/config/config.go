package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// QueueConfig selects and configures the work queue backend.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"`
	RedisURL          string        `mapstructure:"redis_url"`
	Stream            string        `mapstructure:"stream"`
	Group             string        `mapstructure:"group"`
	NATSURL           string        `mapstructure:"nats_url"`
	Subject           string        `mapstructure:"subject"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxDeliveries     int           `mapstructure:"max_deliveries"`
}

// RunnerConfig configures the external job runner the dispatcher invokes.
type RunnerConfig struct {
	Kind       string `mapstructure:"kind"`
	BaseURL    string `mapstructure:"base_url"`
	Token      string `mapstructure:"token"`
	Namespace  string `mapstructure:"namespace"`
	Location   string `mapstructure:"location"`
	Job        string `mapstructure:"job"`
	SSHAddr    string `mapstructure:"ssh_addr"`
	SSHUser    string `mapstructure:"ssh_user"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`
	SSHCommand string `mapstructure:"ssh_command"`
	SSHWorkdir string `mapstructure:"ssh_workdir"`
}

// ArtifactsConfig configures where build outputs live.
type ArtifactsConfig struct {
	Bucket   string        `mapstructure:"bucket"`
	Region   string        `mapstructure:"region"`
	Endpoint string        `mapstructure:"endpoint"`
	URLTTL   time.Duration `mapstructure:"url_ttl"`
}

// RetryConfig mirrors retry.Policy fields.
type RetryConfig struct {
	Mode       string        `mapstructure:"mode"`
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Identity is a configured bearer token and its owner. Tokens are a list
// rather than a map because viper lowercases map keys.
type Identity struct {
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
	Email  string `mapstructure:"email"`
}

type AuthConfig struct {
	Tokens []Identity `mapstructure:"tokens"`
}

// TokenConfig holds a single shared bearer token guarding a route group.
type TokenConfig struct {
	Token string `mapstructure:"token"`
}

type EmbeddedConfig struct {
	Embedded bool `mapstructure:"embedded"`
}

type SweeperConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Tracing     bool   `mapstructure:"tracing"`
}

// APIConfig captures runtime settings for the build API service.
type APIConfig struct {
	ListenAddr         string          `mapstructure:"listen_addr"`
	DatabaseURL        string          `mapstructure:"database_url"`
	CallTimeout        time.Duration   `mapstructure:"call_timeout"`
	TriggerConcurrency int64           `mapstructure:"trigger_concurrency"`
	Dispatcher         EmbeddedConfig  `mapstructure:"dispatcher"`
	Admin              TokenConfig     `mapstructure:"admin"`
	Internal           TokenConfig     `mapstructure:"internal"`
	RecentLimitDefault int             `mapstructure:"recent_limit_default"`
	RecentLimitMax     int             `mapstructure:"recent_limit_max"`
	Queue              QueueConfig     `mapstructure:"queue"`
	Runner             RunnerConfig    `mapstructure:"runner"`
	Artifacts          ArtifactsConfig `mapstructure:"artifacts"`
	Retry              RetryConfig     `mapstructure:"retry"`
	Auth               AuthConfig      `mapstructure:"auth"`
	Sweeper            SweeperConfig   `mapstructure:"sweeper"`
	Telemetry          TelemetryConfig `mapstructure:"telemetry"`
}

// DispatcherConfig captures runtime settings for the standalone dispatcher.
type DispatcherConfig struct {
	DatabaseURL string          `mapstructure:"database_url"`
	CallTimeout time.Duration   `mapstructure:"call_timeout"`
	MetricsAddr string          `mapstructure:"metrics_addr"`
	Queue       QueueConfig     `mapstructure:"queue"`
	Runner      RunnerConfig    `mapstructure:"runner"`
	Artifacts   ArtifactsConfig `mapstructure:"artifacts"`
	Retry       RetryConfig     `mapstructure:"retry"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("LFSBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_url", "")
	v.SetDefault("call_timeout", 10*time.Second)

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.redis_url", "redis://localhost:6379")
	v.SetDefault("queue.stream", "lfs-builds")
	v.SetDefault("queue.group", "dispatcher")
	v.SetDefault("queue.nats_url", "nats://localhost:4222")
	v.SetDefault("queue.subject", "lfs.builds.dispatch")
	v.SetDefault("queue.visibility_timeout", 2*time.Minute)
	v.SetDefault("queue.max_deliveries", 5)

	v.SetDefault("runner.kind", "http")
	v.SetDefault("runner.base_url", "https://run.googleapis.com")
	v.SetDefault("runner.token", "")
	v.SetDefault("runner.namespace", "")
	v.SetDefault("runner.location", "us-central1")
	v.SetDefault("runner.job", "lfs-builder")
	v.SetDefault("runner.ssh_addr", "")
	v.SetDefault("runner.ssh_user", "builder")
	v.SetDefault("runner.ssh_key_path", "")
	v.SetDefault("runner.ssh_command", "/opt/lfs/bin/run-build")
	v.SetDefault("runner.ssh_workdir", "/var/lib/lfs-builds")

	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.region", "us-east-1")
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.url_ttl", 24*time.Hour)

	v.SetDefault("retry.mode", "exponential")
	v.SetDefault("retry.initial", 200*time.Millisecond)
	v.SetDefault("retry.max", 5*time.Second)
	v.SetDefault("retry.max_retries", 3)

	v.SetDefault("telemetry.tracing", false)
	return v
}

// loadDotEnv exports variables from ./.env without overriding ones already set.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func read(v *viper.Viper, out any) error {
	if err := loadDotEnv(); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// LoadAPI loads build API configuration from defaults, files, and env vars.
func LoadAPI() (APIConfig, error) {
	v := newViper()
	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("trigger_concurrency", 32)
	v.SetDefault("dispatcher.embedded", false)
	v.SetDefault("admin.token", "")
	v.SetDefault("internal.token", "")
	v.SetDefault("recent_limit_default", 10)
	v.SetDefault("recent_limit_max", 50)
	v.SetDefault("sweeper.interval", 30*time.Second)
	v.SetDefault("sweeper.stale_after", time.Minute)
	v.SetDefault("telemetry.service_name", "lfs-build-api")

	var cfg APIConfig
	if err := read(v, &cfg); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}

// LoadDispatcher loads dispatcher configuration from defaults, files, and env vars.
func LoadDispatcher() (DispatcherConfig, error) {
	v := newViper()
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("telemetry.service_name", "lfs-build-dispatcher")

	var cfg DispatcherConfig
	if err := read(v, &cfg); err != nil {
		return DispatcherConfig{}, err
	}
	return cfg, nil
}
