package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/lfs-builder/pkg/auth"
	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/jobrunner"
	"github.com/vyvo/lfs-builder/pkg/pipeline"
	"github.com/vyvo/lfs-builder/pkg/queue"
	"github.com/vyvo/lfs-builder/pkg/retry"
	"github.com/vyvo/lfs-builder/pkg/telemetry"
)

type fixture struct {
	server     *httptest.Server
	pipeline   *pipeline.Pipeline
	queue      *queue.Memory
	dispatcher *pipeline.Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	opts := pipeline.Options{
		Logger: telemetry.Discard(),
		Calls: pipeline.Calls{
			Timeout: time.Second,
			Policy:  retry.Policy{Mode: retry.ModeFixed, Initial: time.Millisecond, Max: time.Millisecond},
		},
	}
	q := queue.NewMemory(3, telemetry.Discard())
	p := pipeline.New(pipeline.Deps{
		Store: builder.NewMemStore(),
		Queue: q,
		Verifier: auth.NewStaticVerifier(map[string]auth.Identity{
			"tok-alice": {UserID: "alice", Email: "alice@example.com"},
		}),
	}, opts)
	runner := jobrunner.RunnerFunc(func(ctx context.Context, req jobrunner.Request) (jobrunner.Execution, error) {
		return jobrunner.Execution{Name: "executions/" + req.Env[jobrunner.EnvBuildID]}, nil
	})
	d := pipeline.NewDispatcher(p.Store, runner, pipeline.DispatcherConfig{Job: jobrunner.JobRef{Name: "lfs-builder"}}, opts)

	srv := httptest.NewServer(New(p, cfg, telemetry.Discard()).Routes())
	t.Cleanup(func() {
		srv.Close()
		p.Store.Wait()
	})
	return &fixture{server: srv, pipeline: p, queue: q, dispatcher: d}
}

func (f *fixture) dispatch() {
	f.pipeline.Store.Wait()
	f.queue.Drain(context.Background(), f.dispatcher.Handle)
	f.pipeline.Store.Wait()
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (f *fixture) submit(t *testing.T) pipeline.SubmitResult {
	t.Helper()
	resp, raw := f.do(t, http.MethodPost, "/builds", "tok-alice", `{"projectName":"demo","kernelVersion":"6.4.12"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var res pipeline.SubmitResult
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

func TestSubmitBuild(t *testing.T) {
	f := newFixture(t, Config{})

	res := f.submit(t)
	require.NotEmpty(t, res.BuildID)
	require.NotEmpty(t, res.TraceID)
	require.Equal(t, "6.4.12", res.Config.BuildOptions.KernelVersion)
	require.Equal(t, pipeline.DefaultLFSVersion, res.Config.LFSVersion)

	resp, raw := f.do(t, http.MethodPost, "/builds", "tok-alice", `{"projectName":"again"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var conflict map[string]string
	require.NoError(t, json.Unmarshal(raw, &conflict))
	require.Equal(t, res.BuildID, conflict["activeBuildId"])
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	f := newFixture(t, Config{})

	resp, _ := f.do(t, http.MethodPost, "/builds", "", `{"projectName":"demo"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/builds", "tok-mallory", `{"projectName":"demo"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/builds", "tok-alice", `{"projectName":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/builds", "tok-alice", `{"projectName":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitChecksCallerBeforeBody(t *testing.T) {
	f := newFixture(t, Config{})

	resp, _ := f.do(t, http.MethodPost, "/builds", "", `{"projectName":`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/builds", "tok-mallory", `not json`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConcurrentSubmitYieldsOneCreatedOneConflict(t *testing.T) {
	f := newFixture(t, Config{})

	type outcome struct {
		status int
		body   []byte
	}
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		outcomes = make([]outcome, 2)
	)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/builds", strings.NewReader(`{"projectName":"race"}`))
			req.Header.Set("Authorization", "Bearer tok-alice")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			outcomes[i] = outcome{status: resp.StatusCode, body: body}
		}(i)
	}
	close(start)
	wg.Wait()

	var created pipeline.SubmitResult
	var conflict map[string]string
	for _, o := range outcomes {
		switch o.status {
		case http.StatusCreated:
			require.NoError(t, json.Unmarshal(o.body, &created))
		case http.StatusConflict:
			require.NoError(t, json.Unmarshal(o.body, &conflict))
		default:
			t.Fatalf("unexpected status %d: %s", o.status, o.body)
		}
	}
	require.NotEmpty(t, created.BuildID)
	require.Equal(t, created.BuildID, conflict["activeBuildId"])
}

func TestGetBuild(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t)
	f.dispatch()

	resp, raw := f.do(t, http.MethodGet, "/builds/"+res.BuildID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view pipeline.BuildView
	require.NoError(t, json.Unmarshal(raw, &view))
	require.Equal(t, builder.StatusRunning, view.Status)
	require.Equal(t, "6.4.12", view.BuildOptions.KernelVersion)
	require.Equal(t, res.TraceID, view.TraceID)
	require.Equal(t, "executions/"+res.BuildID, view.Execution.Name)
	require.NotContains(t, string(raw), "alice")

	resp, _ = f.do(t, http.MethodGet, "/builds/bad%20id", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/builds/does-not-exist", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecentBuildsAreSanitized(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t)

	resp, raw := f.do(t, http.MethodGet, "/builds?recent=5", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := string(raw)
	require.NotContains(t, body, res.BuildID)
	require.NotContains(t, body, "alice")
	require.NotContains(t, body, "userId")
	require.NotContains(t, body, "email")

	var listing struct {
		Builds []pipeline.RecentBuild `json:"builds"`
	}
	require.NoError(t, json.Unmarshal(raw, &listing))
	require.Len(t, listing.Builds, 1)
	require.Equal(t, res.BuildID[:pipeline.IDPrefixLength], listing.Builds[0].IDPrefix)
	require.Equal(t, "demo", listing.Builds[0].ProjectName)

	resp, _ = f.do(t, http.MethodGet, "/builds?recent=lots", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminCancel(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t)

	resp, raw := f.do(t, http.MethodGet, "/admin/cancel?buildId="+res.BuildID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Build "+res.BuildID+" cancelled", string(raw))
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	b, err := f.pipeline.Store.Get(context.Background(), res.BuildID)
	require.NoError(t, err)
	require.Equal(t, builder.StatusCancelled, b.Status)
	require.Equal(t, pipeline.CancelMessage, b.Error.Message)

	resp, _ = f.do(t, http.MethodGet, "/admin/cancel", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/cancel?buildId=missing", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminCancelRequiresConfiguredToken(t *testing.T) {
	f := newFixture(t, Config{AdminToken: "admin-secret"})
	res := f.submit(t)

	resp, _ := f.do(t, http.MethodGet, "/admin/cancel?buildId="+res.BuildID, "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/cancel?buildId="+res.BuildID, "wrong", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/cancel?buildId="+res.BuildID, "admin-secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInternalReport(t *testing.T) {
	f := newFixture(t, Config{InternalToken: "internal-secret"})
	res := f.submit(t)
	path := "/internal/builds/" + res.BuildID + "/report"

	resp, _ := f.do(t, http.MethodPost, path, "", `{"status":"succeeded"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Still queued: reports are only accepted while running.
	f.pipeline.Store.Wait()
	resp, _ = f.do(t, http.MethodPost, path, "internal-secret", `{"status":"succeeded"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	f.dispatch()
	resp, _ = f.do(t, http.MethodPost, path, "internal-secret", `{"status":"queued"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw := f.do(t, http.MethodPost, path, "internal-secret", `{"status":"succeeded","downloadUrls":["https://cdn.example.com/lfs.img"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "succeeded", out["status"])
	require.EqualValues(t, 100, out["progress"])

	f.pipeline.Store.Wait()
	resp, raw = f.do(t, http.MethodGet, "/builds/"+res.BuildID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view pipeline.BuildView
	require.NoError(t, json.Unmarshal(raw, &view))
	require.Equal(t, []string{"https://cdn.example.com/lfs.img"}, view.DownloadURLs)
	require.Contains(t, view.Stages, builder.NotifyStage(builder.StatusSucceeded))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{})
	resp, raw := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(raw))

	down := newFixture(t, Config{Ping: func(ctx context.Context) error { return context.DeadlineExceeded }})
	resp, _ = down.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
