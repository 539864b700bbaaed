// Package bootstrap turns loaded configuration into the concrete adapters the
// binaries wire together.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vyvo/lfs-builder/pkg/artifacts"
	"github.com/vyvo/lfs-builder/pkg/auth"
	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/config"
	"github.com/vyvo/lfs-builder/pkg/jobrunner"
	"github.com/vyvo/lfs-builder/pkg/queue"
	"github.com/vyvo/lfs-builder/pkg/retry"
)

// Store is an opened record store plus its lifecycle hooks.
type Store struct {
	builder.Store
	// Ping is nil for stores without a remote backend.
	Ping  func(ctx context.Context) error
	Close func() error
}

// OpenStore connects to Postgres when databaseURL is set and falls back to an
// in-memory store otherwise.
func OpenStore(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		logger.Warn("database_url not set, using in-memory store")
		return Store{Store: builder.NewMemStore(), Close: func() error { return nil }}, nil
	}
	pg, err := builder.NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return Store{}, err
	}
	logger.Info("connected to postgres")
	return Store{Store: pg, Ping: pg.Ping, Close: pg.Close}, nil
}

// Queue is a work queue that can both publish and consume.
type Queue interface {
	queue.Publisher
	queue.Consumer
}

// OpenQueue connects the configured work queue backend. consumer names this
// process within the consumer group.
func OpenQueue(ctx context.Context, cfg config.QueueConfig, consumer string, logger *slog.Logger) (Queue, func() error, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "redis":
		q, err := queue.NewRedisStream(ctx, queue.RedisOptions{
			URL:               cfg.RedisURL,
			Stream:            cfg.Stream,
			Group:             cfg.Group,
			Consumer:          consumer,
			VisibilityTimeout: cfg.VisibilityTimeout,
			MaxDeliveries:     cfg.MaxDeliveries,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	case "nats":
		q, err := queue.NewJetStream(ctx, queue.JetStreamOptions{
			URL:               cfg.NATSURL,
			Subject:           cfg.Subject,
			Durable:           cfg.Group,
			VisibilityTimeout: cfg.VisibilityTimeout,
			MaxDeliveries:     cfg.MaxDeliveries,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	case "memory":
		logger.Warn("using in-memory work queue; messages do not survive restarts")
		return queue.NewMemory(cfg.MaxDeliveries, logger), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func RetryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.NewPolicy(retry.Mode(cfg.Mode), cfg.Initial, cfg.Max, cfg.MaxRetries)
}

func JobRef(cfg config.RunnerConfig) jobrunner.JobRef {
	return jobrunner.JobRef{Namespace: cfg.Namespace, Location: cfg.Location, Name: cfg.Job}
}

// NewRunner builds the configured job runner.
func NewRunner(cfg config.RunnerConfig, policy retry.Policy) (jobrunner.Runner, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "http":
		if strings.TrimSpace(cfg.Namespace) == "" {
			return nil, fmt.Errorf("runner.namespace is required for the http runner")
		}
		return jobrunner.NewHTTPRunner(cfg.BaseURL, cfg.Token, policy), nil
	case "ssh":
		r, err := jobrunner.NewSSHRunner(jobrunner.SSHConfig{
			Addr:    cfg.SSHAddr,
			User:    cfg.SSHUser,
			KeyPath: cfg.SSHKeyPath,
			Command: cfg.SSHCommand,
			Workdir: cfg.SSHWorkdir,
			Timeout: 30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", cfg.Kind)
	}
}

// NewLinker returns nil when no artifact bucket is configured.
func NewLinker(ctx context.Context, cfg config.ArtifactsConfig) (artifacts.Linker, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, nil
	}
	linker, err := artifacts.NewS3Linker(ctx, artifacts.S3Config{
		Bucket:   cfg.Bucket,
		Region:   cfg.Region,
		TTL:      cfg.URLTTL,
		Endpoint: cfg.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	return linker, nil
}

func Verifier(cfg config.AuthConfig) *auth.StaticVerifier {
	tokens := make(map[string]auth.Identity, len(cfg.Tokens))
	for _, id := range cfg.Tokens {
		tokens[id.Token] = auth.Identity{UserID: id.UserID, Email: id.Email}
	}
	return auth.NewStaticVerifier(tokens)
}

// ConsumerName identifies this process inside a consumer group.
func ConsumerName(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, host, os.Getpid())
}
