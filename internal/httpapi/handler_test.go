package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
	"github.com/aixgo-dev/chunkrelay/internal/httpapi"
	"github.com/aixgo-dev/chunkrelay/pkg/codec"
	"github.com/aixgo-dev/chunkrelay/pkg/observability"
	"github.com/aixgo-dev/chunkrelay/pkg/security"
	"github.com/aixgo-dev/chunkrelay/pkg/session"
	"github.com/aixgo-dev/chunkrelay/pkg/transfer"
)

type testServer struct {
	*httptest.Server
	clock *clock.FakeClock
	store *session.MemoryBackend
}

func (s *testServer) webhook() string {
	return s.URL + "/webhook"
}

func newTestServer(t *testing.T, opts httpapi.Options) *testServer {
	t.Helper()

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := session.NewMemoryBackend(30*time.Minute, 0, session.WithClock(clk))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := transfer.NewService(store, transfer.Options{Clock: clk, Logger: logger})
	opts.Clock = clk
	opts.Logger = logger

	srv := httptest.NewServer(httpapi.New(svc, opts).Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = store.Close()
	})
	return &testServer{Server: srv, clock: clk, store: store}
}

func postForm(t *testing.T, target string, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(target, form)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestWebhook_ChunkThenComplete(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	chunks := transfer.SplitString(codec.EncodeTransport([]byte(`"ABCDEF"`)), 5)
	require.Equal(t, []string{"IkFCQ", "0RFRi", "I%3D"}, chunks)

	for i, idx := range []int{1, 2, 0} {
		resp, body := postForm(t, srv.webhook(), url.Values{
			"session_id":   {"abc"},
			"chunk_index":  {fmt.Sprint(idx)},
			"total_chunks": {"3"},
			"operation":    {"sync"},
			"data":         {chunks[idx]},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(i+1), body["received_chunks"])
		assert.Equal(t, float64(idx), body["chunk_index"])
		assert.Equal(t, i == 2, body["complete"])
	}

	resp, body := postForm(t, srv.webhook(), url.Values{
		"action":      {"complete"},
		"session_id":  {"abc"},
		"compression": {"none"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ABCDEF", body["data"])
	assert.Equal(t, "sync", body["operation"])

	info := body["transfer_info"].(map[string]any)
	assert.Equal(t, float64(3), info["chunks_processed"])
	assert.Equal(t, "none", info["compression_method"])
	assert.Equal(t, "2026-03-01T09:00:00Z", info["assembled_at"])

	routing := body["routing"].(map[string]any)
	assert.Equal(t, "sync", routing["handler"])
	assert.Equal(t, map[string]any{}, body["metadata"])
}

func TestWebhook_ParameterSources(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	data := codec.EncodeTransport([]byte(`{"n":1}`))

	t.Run("json body", func(t *testing.T) {
		raw := fmt.Sprintf(`{"session_id":"j","chunk_index":0,"total_chunks":1,"data":%q}`, data)
		resp, err := http.Post(srv.webhook(), "application/json", strings.NewReader(raw))
		require.NoError(t, err)
		body := decodeBody(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["complete"])
	})

	t.Run("query string", func(t *testing.T) {
		q := url.Values{
			"session_id":   {"q"},
			"chunk_index":  {"0"},
			"total_chunks": {"1"},
			"data":         {data},
		}
		resp, err := http.Get(srv.webhook() + "?" + q.Encode())
		require.NoError(t, err)
		body := decodeBody(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "q", body["session_id"])
	})

	t.Run("body overrides query", func(t *testing.T) {
		resp, body := postForm(t, srv.webhook()+"?session_id=from-query&total_chunks=9", url.Values{
			"session_id":   {"from-body"},
			"chunk_index":  {"0"},
			"total_chunks": {"1"},
			"data":         {data},
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "from-body", body["session_id"])
		assert.Equal(t, float64(1), body["total_chunks"])
	})

	t.Run("unsupported content type", func(t *testing.T) {
		resp, err := http.Post(srv.webhook(), "text/plain", strings.NewReader("hello"))
		require.NoError(t, err)
		body := decodeBody(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, false, body["success"])
	})
}

func TestWebhook_ValidationError(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	resp, err := http.PostForm(srv.webhook(), url.Values{
		"session_id":  {"v"},
		"chunk_index": {"0"},
		"data":        {"QUJD"},
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Invalid chunk data","missing_params":["total_chunks"],"invalid_params":[]}`, string(raw))

	n, err := srv.store.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhook_CompleteFailures(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	send := func(id, total string, idx int, data string) {
		resp, _ := postForm(t, srv.webhook(), url.Values{
			"session_id":   {id},
			"chunk_index":  {fmt.Sprint(idx)},
			"total_chunks": {total},
			"data":         {data},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	complete := func(id, compression string) (int, map[string]any) {
		resp, body := postForm(t, srv.webhook(), url.Values{
			"action":      {"complete"},
			"session_id":  {id},
			"compression": {compression},
		})
		return resp.StatusCode, body["error"].(map[string]any)
	}

	t.Run("missing chunks", func(t *testing.T) {
		send("gap", "3", 0, "QUJD")
		send("gap", "3", 2, "QUJD")

		status, env := complete("gap", "gzip")
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, "missing_chunks", env["category"])
		assert.Equal(t, true, env["retryable"])
		assert.Equal(t, "gap", env["session_id"])
		assert.Equal(t, map[string]any{
			"chunks_received":    float64(2),
			"expected_chunks":    float64(3),
			"compression_method": "gzip",
		}, env["debug_info"])
		assert.Equal(t, transfer.SupportInfo, env["support_info"])
		assert.NotEmpty(t, env["resolution"])
		assert.NotEmpty(t, env["timestamp"])
	})

	t.Run("unknown session", func(t *testing.T) {
		status, env := complete("nobody", "")
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, "session_not_found", env["category"])
	})

	t.Run("payload not json", func(t *testing.T) {
		send("bad", "1", 0, codec.EncodeTransport([]byte("not json")))

		status, env := complete("bad", "none")
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "payload_parse_failure", env["category"])
		assert.Equal(t, false, env["retryable"])
	})

	t.Run("wrong compression", func(t *testing.T) {
		send("wrong", "1", 0, codec.EncodeTransport([]byte(`{"a":1}`)))

		status, env := complete("wrong", "zstd")
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, "compression_failure", env["category"])
	})

	t.Run("missing session id", func(t *testing.T) {
		status, env := complete("", "none")
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid_chunk_parameters", env["category"])
	})
}

func TestWebhook_RateLimited(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{Limiter: security.NewRateLimiter(0.001, 1)})
	form := url.Values{"session_id": {"r"}, "chunk_index": {"0"}, "total_chunks": {"2"}, "data": {"QUJD"}}

	resp, _ := postForm(t, srv.webhook(), form)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postForm(t, srv.webhook(), form)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	env := body["error"].(map[string]any)
	assert.Equal(t, string(httpapi.CategoryRateLimited), env["category"])
	assert.Equal(t, true, env["retryable"])
	assert.Empty(t, env["session_id"], "body is not read before limiting")

	resp, body = postForm(t, srv.webhook()+"?session_id=q", form)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "q", body["error"].(map[string]any)["session_id"])
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{MaxBodyBytes: 64})

	resp, body := postForm(t, srv.webhook(), url.Values{
		"session_id":   {"big"},
		"chunk_index":  {"0"},
		"total_chunks": {"1"},
		"data":         {strings.Repeat("A", 256)},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	req, err := http.NewRequest(http.MethodPut, srv.webhook(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, POST", resp.Header.Get("Allow"))
}

func TestWebhook_CustomPath(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{Path: "/ingest"})

	resp, err := http.Get(srv.URL + "/ingest?session_id=x&chunk_index=0&total_chunks=1&data=QUJD")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/webhook")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClient_RoundTrip(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	payload := []any{}
	for i := 0; i < 300; i++ {
		payload = append(payload, map[string]any{"id": i, "name": fmt.Sprintf("record-%03d", i)})
	}
	want, err := json.Marshal(payload)
	require.NoError(t, err)

	for _, m := range codec.Default().Supported() {
		t.Run(m.String(), func(t *testing.T) {
			client := transfer.NewClient(srv.webhook(),
				transfer.WithSplitter(transfer.Splitter{ChunkSize: 256, Method: m, Threshold: transfer.DefaultThreshold}),
				transfer.WithConcurrency(3))

			resp, err := client.Send(context.Background(), transfer.OpLargeDataset, payload, map[string]any{"source": "test"})
			require.NoError(t, err)

			got, err := json.Marshal(resp.Data)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(got))
			assert.Equal(t, m.String(), resp.TransferInfo.CompressionMethod)
			assert.Equal(t, transfer.OpLargeDataset, resp.Routing.Handler)
			assert.Equal(t, json.Number("1000"), resp.Routing.Config["batch_size"])
			assert.Equal(t, "test", resp.Metadata["source"])
			assert.Greater(t, resp.TransferInfo.ChunksProcessed, 1)
		})
	}
}

func TestClient_SmallPayloadSkipsCompression(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	resp, err := transfer.NewClient(srv.webhook()).Send(context.Background(), "ping", map[string]any{"ok": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", resp.TransferInfo.CompressionMethod)
	assert.Equal(t, 1, resp.TransferInfo.ChunksProcessed)
	assert.Equal(t, transfer.GenericHandler, resp.Routing.Handler)
	assert.Equal(t, map[string]any{"ok": true}, resp.Data)
}

func TestClient_RemoteErrors(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	client := transfer.NewClient(srv.webhook(), transfer.WithSessionIDs(func() string { return "" }))
	_, err := client.Send(context.Background(), "sync", map[string]any{"a": 1}, nil)
	require.Error(t, err)

	var re *transfer.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)
	require.NotNil(t, re.Validation)
	assert.Equal(t, []string{"session_id"}, re.Validation.MissingParams)
	assert.False(t, re.Retryable())
}

func TestClient_Capabilities(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})

	caps, err := transfer.NewClient(srv.webhook()).Capabilities(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"none", "gzip", "zstd", "lz4", "s2"}, caps.Compression)
	assert.Equal(t, []string{"analysis", "bulk_import", "large_dataset", "sync"}, caps.Operations)
}

func TestWebhook_MetricLabelsStayBounded(t *testing.T) {
	observability.InitMetrics()
	srv := newTestServer(t, httpapi.Options{})
	data := codec.EncodeTransport([]byte(`{"n":1}`))

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("bounded-%d", i)
		resp, _ := postForm(t, srv.webhook(), url.Values{
			"session_id": {id}, "chunk_index": {"0"}, "total_chunks": {"1"}, "data": {data},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = postForm(t, srv.webhook(), url.Values{
			"action": {"complete"}, "session_id": {id}, "operation": {fmt.Sprintf("junkop%d", i)},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = postForm(t, srv.webhook(), url.Values{
			"action": {"complete"}, "session_id": {"gone"}, "compression": {fmt.Sprintf("junkzip%d", i)},
		})
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

		req, err := http.NewRequest(fmt.Sprintf("JUNKVERB%d", i), srv.webhook(), nil)
		require.NoError(t, err)
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	watched := map[string]bool{
		"chunkrelay_http_requests_total":           true,
		"chunkrelay_http_request_duration_seconds": true,
		"chunkrelay_completions_total":             true,
		"chunkrelay_assembly_duration_seconds":     true,
		"chunkrelay_assembled_bytes":               true,
	}
	values := map[string]bool{}
	for _, mf := range families {
		if !watched[mf.GetName()] {
			continue
		}
		assert.LessOrEqual(t, len(mf.GetMetric()), 50, mf.GetName())
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				assert.NotContains(t, strings.ToLower(l.GetValue()), "junk", mf.GetName())
				values[l.GetName()+"="+l.GetValue()] = true
			}
		}
	}
	assert.True(t, values["compression=unsupported"])
	assert.True(t, values["operation="+transfer.GenericHandler])
	assert.True(t, values["method=other"])
}
