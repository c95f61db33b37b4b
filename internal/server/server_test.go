package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/capability"
	"github.com/a-marczewski/tinyinfer/internal/config"
	"github.com/a-marczewski/tinyinfer/internal/engine"
	"github.com/a-marczewski/tinyinfer/internal/inference"
	"github.com/a-marczewski/tinyinfer/internal/lifecycle"
	"github.com/a-marczewski/tinyinfer/internal/runtime"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, sim *runtime.Simulated) (*httptest.Server, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir, dir)
	cfg.ComputeIterations = 10000
	cfg.MemoryMegabytes = 1

	eng, err := engine.New(cfg, nil, engine.Options{Runtime: sim, Detector: &capability.MockDetector{}})
	require.NoError(t, err)

	ts := httptest.NewServer(New(eng, cfg.ListenAddress, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = eng.Close()
	})
	return ts, eng
}

func post(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// readEvents parses data lines from an SSE body. Error events are returned
// separately.
func readEvents(t *testing.T, body io.Reader) ([]inference.Event, []string) {
	t.Helper()
	var events []inference.Event
	var errs []string
	isError := false
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: error":
			isError = true
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if isError {
				errs = append(errs, payload)
				isError = false
				continue
			}
			var ev inference.Event
			require.NoError(t, json.Unmarshal([]byte(payload), &ev))
			events = append(events, ev)
		}
	}
	return events, errs
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, &runtime.Simulated{})
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestLoadGenerateUnload(t *testing.T) {
	ts, eng := newTestServer(t, &runtime.Simulated{})

	resp := post(t, ts, "/v1/generate", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, ts, "/v1/load", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[stateView](t, resp)
	assert.Equal(t, "ready", state.State)
	require.NotNil(t, state.Model)
	assert.Equal(t, "tiny-3b-int4", state.Model.Identifier)

	resp = post(t, ts, "/v1/generate", `{"prompt":"hello world"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events, errs := readEvents(t, resp.Body)
	assert.Empty(t, errs)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.IsComplete)
	assert.Equal(t, "Processed on device: hello world", last.Text)

	statusResp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	status := decode[statusResponse](t, statusResp)
	assert.Equal(t, "ready", status.Lifecycle.State)
	assert.Equal(t, int64(1), status.Privacy.ProcessedLocally)
	assert.False(t, status.Anomalous)

	resp = post(t, ts, "/v1/unload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "not_loaded", decode[stateView](t, resp).State)
	assert.Equal(t, lifecycle.NotLoaded, eng.State().Kind)
}

func TestLoadNamedModel(t *testing.T) {
	ts, _ := newTestServer(t, &runtime.Simulated{})

	resp := post(t, ts, "/v1/load", `{"model_id":"tiny-0.5b-int8"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tiny-0.5b-int8", decode[stateView](t, resp).Model.Identifier)

	resp = post(t, ts, "/v1/load", `{"model_id":"tiny-1b-int4"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, ts, "/v1/load", `{"model_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoadAcceptsEmptyChunkedBody(t *testing.T) {
	ts, eng := newTestServer(t, &runtime.Simulated{})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/load", io.NopCloser(strings.NewReader("")))
	require.NoError(t, err)
	req.TransferEncoding = []string{"chunked"}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tiny-3b-int4", decode[stateView](t, resp).Model.Identifier)
	assert.Equal(t, lifecycle.Ready, eng.State().Kind)

	resp = post(t, ts, "/v1/load", `{"model_id":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoadFailure(t *testing.T) {
	ts, _ := newTestServer(t, &runtime.Simulated{LoadErr: errors.New("weights missing")})

	resp := post(t, ts, "/v1/load", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, decode[errorResponse](t, resp).Error, "weights missing")
}

func TestGenerateFailureEmitsErrorEvent(t *testing.T) {
	sim := &runtime.Simulated{Fault: func(step int) error {
		if step == 1 {
			return errors.New("device lost")
		}
		return nil
	}}
	ts, eng := newTestServer(t, sim)
	require.Equal(t, http.StatusOK, post(t, ts, "/v1/load", "").StatusCode)

	resp := post(t, ts, "/v1/generate", `{"prompt":"a b c"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events, errs := readEvents(t, resp.Body)
	for _, ev := range events {
		assert.False(t, ev.IsComplete)
	}
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "device lost")
	assert.Equal(t, lifecycle.Error, eng.State().Kind)
}

func TestClientDisconnectCancelsGeneration(t *testing.T) {
	sim := &runtime.Simulated{
		StepDelay: 10 * time.Millisecond,
		Reply:     func(string) string { return strings.Repeat("word ", 500) },
	}
	ts, eng := newTestServer(t, sim)
	require.Equal(t, http.StatusOK, post(t, ts, "/v1/load", "").StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/generate", strings.NewReader(`{"prompt":"go"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)
	cancel()
	resp.Body.Close()

	assert.Eventually(t, func() bool {
		return eng.State().Kind == lifecycle.Ready
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), eng.CurrentPrivacyCounters().ProcessedLocally)
}

func TestDocumentsAndSearch(t *testing.T) {
	ts, _ := newTestServer(t, &runtime.Simulated{})

	for _, text := range []string{"local inference on phones", "cooking pasta at home"} {
		resp := post(t, ts, "/v1/documents", `{"text":"`+text+`"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := post(t, ts, "/v1/search", `{"query":"pasta","k":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Results []struct {
			Document struct {
				Text string `json:"text"`
			} `json:"document"`
			Score float64 `json:"score"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "cooking pasta at home", body.Results[0].Document.Text)

	resp = post(t, ts, "/v1/search", `{"query":"pasta","k":0}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Results)

	resp = post(t, ts, "/v1/search", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBenchmarkAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, &runtime.Simulated{})

	resp := post(t, ts, "/v1/benchmark", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[telemetry.PerformanceSummary](t, resp)
	assert.Equal(t, len(telemetry.Phases()), summary.TotalSamples)

	metricsResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `tinyinfer_benchmark_runs_total{status="success"} 1`)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, &runtime.Simulated{})
	resp, err := http.Get(ts.URL + "/v1/generate")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
