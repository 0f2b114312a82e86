//go:build unix

package handlers

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/latoulicious/sinkstream/pkg/database"
	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

type fakeHistory struct {
	mu        sync.Mutex
	summaries []pipeline.SessionSummary
	failReads bool
}

func (h *fakeHistory) RecordSession(ctx context.Context, summary pipeline.SessionSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries = append(h.summaries, summary)
	return nil
}

func (h *fakeHistory) RecentSessions(ctx context.Context, limit int) ([]*database.SessionRecord, error) {
	if h.failReads {
		return nil, database.ErrDatabaseNotConnected
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var records []*database.SessionRecord
	for i := len(h.summaries) - 1; i >= 0 && len(records) < limit; i-- {
		s := h.summaries[i]
		records = append(records, &database.SessionRecord{ID: s.ID, Bytes: s.Bytes, Reason: string(s.Reason)})
	}
	return records, nil
}

func (h *fakeHistory) Stats(ctx context.Context) (*database.SessionStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &database.SessionStats{TotalSessions: int64(len(h.summaries))}, nil
}

func (h *fakeHistory) recorded() []pipeline.SessionSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pipeline.SessionSummary(nil), h.summaries...)
}

type testServer struct {
	*httptest.Server
	manager *pipeline.Manager
	history *fakeHistory
	logs    *observer.ObservedLogs
}

func shell(script string) pipeline.Invocation {
	return pipeline.Invocation{Command: "/bin/sh", Args: []string{"-c", script}}
}

func newTestServer(t *testing.T, inv pipeline.Invocation, maxSessions int) *testServer {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := pipeline.NewZapLogger(zap.New(core))

	encoder := pipeline.DefaultEncoderConfig()
	encoder.KillGrace = 200 * time.Millisecond

	history := &fakeHistory{}
	metrics := pipeline.NewMetrics()
	manager, err := pipeline.NewManager(
		pipeline.ManagerConfig{Source: "virtual_sink.monitor", Encoder: encoder, MaxSessions: maxSessions},
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithInvocation(inv),
		pipeline.WithHistory(history),
	)
	require.NoError(t, err)

	ts := httptest.NewServer(NewHandler(manager, metrics, history, logger))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { stopManager(t, manager) })

	return &testServer{Server: ts, manager: manager, history: history, logs: logs}
}

func stopManager(t *testing.T, m *pipeline.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

// openStream starts a stream and waits for the first audio bytes
func openStream(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url + "/stream")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 512)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	return resp
}

func TestStreamRelaysEncoderOutput(t *testing.T) {
	ts := newTestServer(t, shell("head -c 2048 /dev/zero"), 0)

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, int64(-1), resp.ContentLength)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, 2048)

	stopManager(t, ts.manager)

	recorded := ts.history.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, pipeline.ReasonEndOfStream, recorded[0].Reason)
	assert.Equal(t, int64(2048), recorded[0].Bytes)
	assert.True(t, recorded[0].Exit.Success())
	assert.False(t, recorded[0].Abnormal)
}

func TestStreamEncoderFailureLogsDiagnostics(t *testing.T) {
	ts := newTestServer(t, shell("echo boom >&2; exit 1"), 0)

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	stopManager(t, ts.manager)

	entries := ts.logs.FilterMessage("Encoder exited abnormally").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].ContextMap()["diagnostics"], "boom")

	recorded := ts.history.recorded()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Abnormal)
	assert.Equal(t, 1, recorded[0].Exit.Code)
}

func TestStreamSpawnFailure(t *testing.T) {
	ts := newTestServer(t, pipeline.Invocation{Command: "/nonexistent/sinkstream-encoder"}, 0)

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEqual(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Zero(t, ts.manager.ActiveCount())
	assert.NotEmpty(t, ts.logs.FilterMessage("Failed to start encoder").All())
}

func TestStreamCapacity(t *testing.T) {
	ts := newTestServer(t, shell("exec cat /dev/zero"), 1)

	first := openStream(t, ts.URL)
	defer first.Body.Close()

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHeadStreamDoesNotStartEncoder(t *testing.T) {
	ts := newTestServer(t, pipeline.Invocation{Command: "/nonexistent/sinkstream-encoder"}, 0)

	resp, err := http.Head(ts.URL + "/stream")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Empty(t, ts.logs.FilterMessage("Failed to start encoder").All())
}

func TestHeadStreamOpensNoSession(t *testing.T) {
	ts := newTestServer(t, shell("exec cat /dev/zero"), 0)

	resp, err := http.Head(ts.URL + "/stream")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Empty(t, body)
	assert.Equal(t, 0, ts.manager.ActiveCount())
	assert.Empty(t, ts.logs.FilterMessage("Stream session started").All())
	assert.Empty(t, ts.history.recorded())
}

func TestConcurrentStreamsAreIndependent(t *testing.T) {
	ts := newTestServer(t, shell("exec cat /dev/zero"), 0)

	a := openStream(t, ts.URL)
	b := openStream(t, ts.URL)
	defer b.Body.Close()
	assert.Equal(t, 2, ts.manager.ActiveCount())

	require.NoError(t, a.Body.Close())
	assert.Eventually(t, func() bool { return ts.manager.ActiveCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	buf := make([]byte, 64*1024)
	n, err := io.ReadFull(b.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, 1, ts.manager.ActiveCount())
}

func TestRootUnderStreamLoad(t *testing.T) {
	ts := newTestServer(t, shell("exec cat /dev/zero"), 0)

	for i := 0; i < 3; i++ {
		resp := openStream(t, ts.URL)
		defer resp.Body.Close()
	}

	want := infoText("virtual_sink.monitor")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/")
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			assert.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, want, string(body))
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ts.manager.ActiveCount())
}

func TestRootIsExactPath(t *testing.T) {
	ts := newTestServer(t, shell("true"), 0)

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, shell("exec cat /dev/zero"), 0)

	stream := openStream(t, ts.URL)
	defer stream.Body.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.ActiveSessions)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestSessionsListing(t *testing.T) {
	ts := newTestServer(t, shell("exec cat /dev/zero"), 0)

	stream := openStream(t, ts.URL)
	defer stream.Body.Close()

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Source  string                 `json:"source"`
		Command string                 `json:"command"`
		Active  []pipeline.SessionInfo `json:"active"`
		Totals  *database.SessionStats `json:"totals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))

	assert.Equal(t, "virtual_sink.monitor", listing.Source)
	assert.Contains(t, listing.Command, "cat /dev/zero")
	require.Len(t, listing.Active, 1)
	assert.Positive(t, listing.Active[0].PID)
	assert.NotEmpty(t, listing.Active[0].ID)
	require.NotNil(t, listing.Totals)

	bad, err := http.Get(ts.URL + "/sessions?limit=0")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSessionsHistoryUnavailable(t *testing.T) {
	ts := newTestServer(t, shell("true"), 0)
	ts.history.failReads = true

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, shell("head -c 1024 /dev/zero"), 0)

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	assert.Eventually(t, func() bool { return ts.manager.ActiveCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "sinkstream_bytes_relayed_total 1024")
	assert.Contains(t, text, `sinkstream_http_requests_total{method="GET",route="/stream",status="200"} 1`)
	assert.Contains(t, text, "sinkstream_sessions_total")
}
