package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testgen/internal/core"
)

const testSystemPrompt = "  You are a QA engineer.\n### RULES\n1. Be precise.\n"

func newTestClient(url string, timeout time.Duration) *Client {
	return New(Config{
		URL:          url,
		Model:        "llama3.2",
		SystemPrompt: testSystemPrompt,
		Timeout:      timeout,
	}, nil)
}

// waitForDisconnect consumes the request body so the server can observe the
// client going away, then blocks until it does.
func waitForDisconnect(r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	<-r.Context().Done()
}

func requireRelayError(t *testing.T, err error, kind core.ErrorKind) *core.RelayError {
	t.Helper()
	var relayErr *core.RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, kind, relayErr.Kind)
	return relayErr
}

func TestClient_Open_SendsRequest(t *testing.T) {
	var received GenerateRequest
	var headers http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, "{\"response\":\"hi\"}\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/api/generate", 5*time.Second)
	ctx := core.WithRequestID(context.Background(), "req-42")

	stream, err := client.Open(ctx, "  a login form\n")
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "{\"response\":\"hi\"}\n", string(body))

	assert.Equal(t, "llama3.2", received.Model)
	assert.Equal(t, "  a login form\n", received.Prompt)
	assert.Equal(t, testSystemPrompt, received.System)
	assert.True(t, received.Stream)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "req-42", headers.Get("X-Request-ID"))
}

func TestClient_Open_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model 'llama3.2' not found, try pulling it first"}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/api/generate", 5*time.Second)
	_, err := client.Open(context.Background(), "x")

	relayErr := requireRelayError(t, err, core.ErrorKindUpstreamError)
	assert.Equal(t, http.StatusNotFound, relayErr.UpstreamStatus)
	assert.Equal(t, http.StatusInternalServerError, relayErr.HTTPStatusCode())
	assert.Contains(t, relayErr.Summary, "llama3.2")
	assert.Contains(t, relayErr.Summary, "ollama pull llama3.2")
	assert.Contains(t, relayErr.Message, "Not Found")
	assert.Contains(t, relayErr.Message, "try pulling it first")
}

func TestClient_Open_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/api/generate", 5*time.Second)
	_, err := client.Open(context.Background(), "x")

	relayErr := requireRelayError(t, err, core.ErrorKindUpstreamError)
	assert.Equal(t, "Generation Failed", relayErr.Summary)
	assert.Equal(t, "Ollama API Error: Internal Server Error", relayErr.Message)
}

func TestClient_Open_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL + "/api/generate"
	server.Close()

	client := newTestClient(url, 5*time.Second)
	_, err := client.Open(context.Background(), "x")

	relayErr := requireRelayError(t, err, core.ErrorKindUpstreamUnavailable)
	assert.Contains(t, relayErr.Message, "ollama serve")
	assert.NotContains(t, relayErr.Message, "request cancelled")
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestClient_Open_TimeoutBeforeHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		waitForDisconnect(r)
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/api/generate", 100*time.Millisecond)

	start := time.Now()
	_, err := client.Open(context.Background(), "x")

	requireRelayError(t, err, core.ErrorKindUpstreamTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_Open_TimeoutMidStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{\"response\":\"partial\"}\n")
		w.(http.Flusher).Flush()
		waitForDisconnect(r)
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/api/generate", 200*time.Millisecond)
	stream, err := client.Open(context.Background(), "x")
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	buf := make([]byte, 1024)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "{\"response\":\"partial\"}\n", string(buf[:n]))

	_, err = io.ReadAll(stream)
	requireRelayError(t, err, core.ErrorKindUpstreamTimeout)
}

func TestClient_Open_CallerCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		waitForDisconnect(r)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	client := newTestClient(server.URL+"/api/generate", 10*time.Second)
	_, err := client.Open(ctx, "x")
	requireRelayError(t, err, core.ErrorKindInternal)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{}\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/api/generate", time.Second)
	stream, err := client.Open(context.Background(), "x")
	require.NoError(t, err)

	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
	assert.Error(t, stream.ctx.Err(), "closing must release the deadline")
}

func TestClient_Models(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3.2:latest","size":1},{"name":"qwen2.5:7b"}]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/api/generate", time.Second)
	names, err := client.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest", "qwen2.5:7b"}, names)
	assert.True(t, client.HasModel(names))
	assert.False(t, client.HasModel([]string{"qwen2.5:7b"}))
}

func TestClient_Models_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		waitForDisconnect(r)
	}))
	defer server.Close()

	client := New(Config{
		URL:           server.URL + "/api/generate",
		Model:         "llama3.2",
		Timeout:       5 * time.Minute,
		ModelsTimeout: 100 * time.Millisecond,
	}, nil)

	_, err := client.Models(context.Background())
	relayErr := requireRelayError(t, err, core.ErrorKindUpstreamTimeout)
	assert.Contains(t, relayErr.Message, "within 100ms")
	assert.NotContains(t, relayErr.Message, "5m0s")
}

func TestClient_Models_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL + "/api/generate"
	server.Close()

	_, err := newTestClient(url, time.Second).Models(context.Background())
	requireRelayError(t, err, core.ErrorKindUpstreamUnavailable)
}

func TestClient_Models_BadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>`)
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/api/generate", time.Second)
	_, err := client.Models(context.Background())
	requireRelayError(t, err, core.ErrorKindUpstreamError)
}

func TestTagsURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:11434/api/generate", "http://127.0.0.1:11434/api/tags"},
		{"http://gpu:11434/ollama/api/generate/", "http://gpu:11434/ollama/api/tags"},
		{"http://gpu:11434/generate?x=1", "http://gpu:11434/api/tags"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, tagsURL(tt.in))
		})
	}
}
