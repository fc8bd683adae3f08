package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/api"
	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/pipeline"
	"github.com/atlosdotorg/atlos/internal/server"
	"github.com/atlosdotorg/atlos/internal/worker"
)

func TestServe_RunsSubmittedCaptureAndShutsDown(t *testing.T) {
	t.Parallel()

	seen := make(chan archive.CaptureRequest, 1)
	runner := worker.RunnerFunc(func(_ context.Context, req archive.CaptureRequest) (pipeline.Outcome, error) {
		seen <- req
		return pipeline.Outcome{
			URL:          req.URL,
			URLRequested: true,
			Report:       archive.Report{BackendStatus: map[archive.BackendID]bool{archive.BackendDirect: true}},
		}, nil
	})

	srv := server.New(server.Config{
		Workers:    2,
		QueueDepth: 4,
		OutputRoot: t.TempDir(),
		APIKey:     "secret",
	}, runner, zap.NewNop(), api.WithReadinessCheck("noop", func(context.Context) error { return nil }))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	body, err := json.Marshal(map[string]string{"url": "https://example.com/a"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, base+"/v1/captures/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var accepted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, accepted.JobID)

	select {
	case got := <-seen:
		assert.Equal(t, "https://example.com/a", got.URL)
		assert.Contains(t, got.OutputDir, accepted.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("capture never ran")
	}

	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, base+"/v1/captures/"+accepted.JobID, nil)
		if err != nil {
			return false
		}
		req.Header.Set("X-API-Key", "secret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var job archive.Job
		if json.NewDecoder(resp.Body).Decode(&job) != nil {
			return false
		}
		return job.Status == archive.JobStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
