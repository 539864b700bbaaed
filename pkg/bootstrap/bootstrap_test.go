package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/config"
	"github.com/vyvo/lfs-builder/pkg/jobrunner"
	"github.com/vyvo/lfs-builder/pkg/queue"
	"github.com/vyvo/lfs-builder/pkg/retry"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	s, err := OpenStore(context.Background(), "", telemetry.Discard())
	require.NoError(t, err)
	require.Nil(t, s.Ping)
	require.NoError(t, s.Close())

	b, err := s.Create(context.Background(), builder.Build{UserID: "u1", ProjectName: "demo"})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
}

func TestOpenQueueBackends(t *testing.T) {
	ctx := context.Background()

	q, closeFn, err := OpenQueue(ctx, config.QueueConfig{Backend: "memory", MaxDeliveries: 2}, "test", telemetry.Discard())
	require.NoError(t, err)
	require.IsType(t, &queue.Memory{}, q)
	require.NoError(t, closeFn())

	_, _, err = OpenQueue(ctx, config.QueueConfig{Backend: "carrier-pigeon"}, "test", telemetry.Discard())
	require.ErrorContains(t, err, "unknown queue backend")
}

func TestNewRunner(t *testing.T) {
	policy := retry.DefaultPolicy()

	_, err := NewRunner(config.RunnerConfig{Kind: "http"}, policy)
	require.ErrorContains(t, err, "namespace")

	r, err := NewRunner(config.RunnerConfig{Kind: "http", BaseURL: "http://jobs.local", Namespace: "lfs"}, policy)
	require.NoError(t, err)
	require.IsType(t, &jobrunner.HTTPRunner{}, r)

	r, err = NewRunner(config.RunnerConfig{Kind: "ssh"}, policy)
	require.Error(t, err)
	require.Nil(t, r)

	_, err = NewRunner(config.RunnerConfig{Kind: "lambda"}, policy)
	require.ErrorContains(t, err, "unknown runner kind")
}

func TestNewLinker(t *testing.T) {
	l, err := NewLinker(context.Background(), config.ArtifactsConfig{})
	require.NoError(t, err)
	require.Nil(t, l)

	l, err = NewLinker(context.Background(), config.ArtifactsConfig{
		Bucket:   "lfs-artifacts",
		Region:   "us-east-1",
		Endpoint: "http://127.0.0.1:9000",
		URLTTL:   time.Hour,
	})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestVerifierAndHelpers(t *testing.T) {
	v := Verifier(config.AuthConfig{Tokens: []config.Identity{
		{Token: "Tok-Alice", UserID: "alice", Email: "alice@example.com"},
		{Token: "", UserID: "ghost"},
	}})
	id, err := v.Verify(context.Background(), "Tok-Alice")
	require.NoError(t, err)
	require.Equal(t, "alice", id.UserID)
	_, err = v.Verify(context.Background(), "tok-alice")
	require.Error(t, err)

	p := RetryPolicy(config.RetryConfig{Mode: "linear", Initial: 10 * time.Millisecond, Max: time.Second, MaxRetries: 2})
	require.Equal(t, retry.ModeLinear, p.Mode)
	require.Equal(t, 2, p.MaxRetries)

	ref := JobRef(config.RunnerConfig{Namespace: "proj", Location: "eu-west1", Job: "lfs"})
	require.Equal(t, "projects/proj/locations/eu-west1/jobs/lfs", ref.Path())

	require.Contains(t, ConsumerName("dispatcher"), "dispatcher-")
}
