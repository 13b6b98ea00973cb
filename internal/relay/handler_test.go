package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testgen/internal/cache"
	"testgen/internal/requestlog"
	"testgen/internal/upstream"
)

const testSystemPrompt = "You are a QA engineer.\n"

type finished struct {
	outcome string
	kind    string
}

type fakeRecorder struct {
	mu        sync.Mutex
	started   int
	finished  []finished
	fragments int
	malformed int
	first     int
}

func (r *fakeRecorder) StreamStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *fakeRecorder) StreamFinished(outcome, kind string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, finished{outcome, kind})
}

func (r *fakeRecorder) FirstFragment(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.first++
}

func (r *fakeRecorder) Fragment(int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments++
}

func (r *fakeRecorder) MalformedLine() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformed++
}

type fakeRequestLog struct {
	mu      sync.Mutex
	entries []*requestlog.Entry
}

func (l *fakeRequestLog) Write(e *requestlog.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *fakeRequestLog) Config() requestlog.Config { return requestlog.Config{Enabled: true} }

func (l *fakeRequestLog) Close() error { return nil }

// fakeOllama records generate calls and serves them with fn.
type fakeOllama struct {
	server   *httptest.Server
	calls    atomic.Int32
	mu       sync.Mutex
	requests []upstream.GenerateRequest
}

func newFakeOllama(t *testing.T, fn http.HandlerFunc) *fakeOllama {
	t.Helper()
	f := &fakeOllama{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/generate" {
			f.calls.Add(1)
			var req upstream.GenerateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			// The server only notices a client hang-up once the body is consumed.
			_, _ = io.Copy(io.Discard, r.Body)
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()
		}
		fn(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

// writeChunks sends each chunk as a separate flushed write.
func writeChunks(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, chunk := range chunks {
			_, _ = io.WriteString(w, chunk)
			w.(http.Flusher).Flush()
		}
	}
}

func hangAfter(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeChunks(chunks...)(w, r)
		<-r.Context().Done()
	}
}

type testEnv struct {
	handler  *Handler
	recorder *fakeRecorder
	log      *fakeRequestLog
}

func newTestEnv(upstreamURL string, timeout time.Duration, inline bool) *testEnv {
	client := upstream.New(upstream.Config{
		URL:          upstreamURL + "/api/generate",
		Model:        "llama3.2",
		SystemPrompt: testSystemPrompt,
		Timeout:      timeout,
	}, nil)
	env := &testEnv{recorder: &fakeRecorder{}, log: &fakeRequestLog{}}
	env.handler = NewHandler(client, Options{
		Recorder:          env.recorder,
		RequestLog:        env.log,
		StatusCache:       cache.NewMemoryCache(time.Minute),
		InlineDiagnostics: inline,
	})
	return env
}

func (env *testEnv) generate(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, env.handler.Generate(e.NewContext(req, rec)))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGenerate_StreamsFragments(t *testing.T) {
	ollama := newFakeOllama(t, writeChunks(
		"{\"response\":\"Hel",
		"lo\"}\n{\"response\":\" world\"}\n",
		"{\"response\":\"\",\"done\":true}\n",
	))
	env := newTestEnv(ollama.server.URL, 5*time.Second, false)

	rec := env.generate(t, `{"input":"a login form"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello world", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get(echo.HeaderContentLength))
	assert.True(t, rec.Flushed)

	assert.Equal(t, []finished{{"completed", ""}}, env.recorder.finished)
	assert.Equal(t, 2, env.recorder.fragments)
	assert.Equal(t, 1, env.recorder.first)

	require.Len(t, env.log.entries, 1)
	entry := env.log.entries[0]
	assert.Equal(t, "completed", entry.Outcome)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
	assert.Equal(t, 2, entry.Fragments)
	assert.Equal(t, int64(len("Hello world")), entry.OutputBytes)
	assert.Equal(t, len("a login form"), entry.InputBytes)
	assert.True(t, entry.UpstreamDone)
	assert.Equal(t, "llama3.2", entry.Model)
	assert.NotEmpty(t, entry.ID)
}

func TestGenerate_ForwardsPromptVerbatim(t *testing.T) {
	ollama := newFakeOllama(t, writeChunks("{\"done\":true}\n"))
	env := newTestEnv(ollama.server.URL, 5*time.Second, false)

	input := "  Login page with \"remember me\" ✓\n"
	payload, err := json.Marshal(map[string]string{"input": input})
	require.NoError(t, err)

	rec := env.generate(t, string(payload))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	require.Len(t, ollama.requests, 1)
	got := ollama.requests[0]
	assert.Equal(t, input, got.Prompt)
	assert.Equal(t, testSystemPrompt, got.System)
	assert.Equal(t, "llama3.2", got.Model)
	assert.True(t, got.Stream)
}

func TestGenerate_MissingInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"empty string", `{"input":""}`},
		{"whitespace", `{"input":"  \n\t "}`},
		{"null", `{"input":null}`},
		{"wrong type", `{"input":42}`},
		{"not json", `generate something`},
		{"empty body", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ollama := newFakeOllama(t, writeChunks("{\"response\":\"x\"}\n"))
			env := newTestEnv(ollama.server.URL, 5*time.Second, false)

			rec := env.generate(t, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"error":"Input is required"}`, rec.Body.String())
			assert.Equal(t, int32(0), ollama.calls.Load())
			assert.Equal(t, []finished{{"rejected", "missing_input"}}, env.recorder.finished)
			require.Len(t, env.log.entries, 1)
			assert.Equal(t, http.StatusBadRequest, env.log.entries[0].StatusCode)
		})
	}
}

func TestGenerate_ModelNotFound(t *testing.T) {
	ollama := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"llama3.2\" not found, try pulling it first"}`)
	})
	env := newTestEnv(ollama.server.URL, 5*time.Second, false)

	rec := env.generate(t, `{"input":"checkout"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Contains(t, body["error"], "llama3.2")
	assert.Contains(t, body["error"], "ollama pull llama3.2")
	assert.Contains(t, body["details"], "Not Found")
	assert.Equal(t, []finished{{"failed", "upstream_error"}}, env.recorder.finished)
}

func TestGenerate_Unreachable(t *testing.T) {
	ollama := newFakeOllama(t, writeChunks())
	url := ollama.server.URL
	ollama.server.Close()
	env := newTestEnv(url, 5*time.Second, false)

	rec := env.generate(t, `{"input":"checkout"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "Generation Failed", body["error"])
	assert.Contains(t, body["details"], "ollama serve")
}

func TestGenerate_TimeoutBeforeHeaders(t *testing.T) {
	ollama := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	env := newTestEnv(ollama.server.URL, 100*time.Millisecond, false)

	start := time.Now()
	rec := env.generate(t, `{"input":"checkout"}`)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeError(t, rec)["details"], "did not respond")
	assert.Equal(t, []finished{{"failed", "upstream_timeout"}}, env.recorder.finished)
}

func TestGenerate_TimeoutBeforeFirstFragment(t *testing.T) {
	ollama := newFakeOllama(t, hangAfter("{\"done\":false}\n"))
	env := newTestEnv(ollama.server.URL, 150*time.Millisecond, false)

	rec := env.generate(t, `{"input":"checkout"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "Generation Failed", body["error"])
	assert.Contains(t, body["details"], "exceeded")
	assert.Equal(t, 0, env.recorder.fragments)
}

func TestGenerate_TimeoutMidStream(t *testing.T) {
	ollama := newFakeOllama(t, hangAfter("{\"response\":\"Hello\"}\n"))
	env := newTestEnv(ollama.server.URL, 200*time.Millisecond, false)

	rec := env.generate(t, `{"input":"checkout"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello", rec.Body.String())
	assert.Equal(t, []finished{{"interrupted", "upstream_timeout"}}, env.recorder.finished)

	require.Len(t, env.log.entries, 1)
	assert.Equal(t, "upstream_timeout", env.log.entries[0].ErrorKind)
	assert.False(t, env.log.entries[0].UpstreamDone)
}

func TestGenerate_InlineDiagnostics(t *testing.T) {
	ollama := newFakeOllama(t, hangAfter("{\"response\":\"Hello\"}\n"))
	env := newTestEnv(ollama.server.URL, 200*time.Millisecond, true)

	rec := env.generate(t, `{"input":"checkout"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "Hello\n\n[generation interrupted: "), body)
	assert.True(t, strings.HasSuffix(body, "]\n"), body)
	assert.Contains(t, body, "exceeded")
}

func TestGenerate_SkipsMalformedLines(t *testing.T) {
	ollama := newFakeOllama(t, writeChunks(
		"{\"response\":\"a\"}\n",
		"this is not json\n",
		"[1,2]\n",
		"{\"response\":\"b\"}\n",
	))
	env := newTestEnv(ollama.server.URL, 5*time.Second, false)

	rec := env.generate(t, `{"input":"checkout"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ab", rec.Body.String())
	assert.Equal(t, 2, env.recorder.malformed)
	require.Len(t, env.log.entries, 1)
	assert.Equal(t, 2, env.log.entries[0].MalformedLines)
	assert.Equal(t, "completed", env.log.entries[0].Outcome)
}

func TestGenerate_DiscardsUnterminatedTail(t *testing.T) {
	ollama := newFakeOllama(t, writeChunks("{\"response\":\"a\"}\n{\"response\":\"b\"}"))
	env := newTestEnv(ollama.server.URL, 5*time.Second, false)

	rec := env.generate(t, `{"input":"checkout"}`)

	assert.Equal(t, "a", rec.Body.String())
	assert.Equal(t, 1, env.recorder.fragments)
}
