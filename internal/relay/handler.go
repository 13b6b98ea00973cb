// Package relay implements the HTTP handlers that stream generated text
// from the inference backend to the browser client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"testgen/internal/cache"
	"testgen/internal/core"
	"testgen/internal/observability"
	"testgen/internal/requestlog"
	"testgen/internal/stream"
	"testgen/internal/upstream"
)

// inputPreviewRunes is how much of the input is echoed into the start log line.
const inputPreviewRunes = 50

// Options wires the optional collaborators of a Handler.
// Nil fields fall back to no-op implementations.
type Options struct {
	Recorder    observability.Recorder
	RequestLog  requestlog.LoggerInterface
	StatusCache cache.Cache

	// InlineDiagnostics appends a readable line to a committed stream
	// that ends in an error.
	InlineDiagnostics bool

	// Stream tunes the reassembler; the zero value uses its defaults.
	Stream stream.Options
}

// Handler serves /api/generate and /api/status.
type Handler struct {
	client            *upstream.Client
	recorder          observability.Recorder
	requestLog        requestlog.LoggerInterface
	statusCache       cache.Cache
	inlineDiagnostics bool
	streamOpts        stream.Options
	now               func() time.Time
}

// NewHandler creates a handler relaying to client.
func NewHandler(client *upstream.Client, opts Options) *Handler {
	h := &Handler{
		client:            client,
		recorder:          opts.Recorder,
		requestLog:        opts.RequestLog,
		statusCache:       opts.StatusCache,
		inlineDiagnostics: opts.InlineDiagnostics,
		streamOpts:        opts.Stream,
		now:               time.Now,
	}
	if h.recorder == nil {
		h.recorder = observability.NoopRecorder{}
	}
	if h.requestLog == nil {
		h.requestLog = &requestlog.NoopLogger{}
	}
	return h
}

// generation tracks one request for metrics and the request log.
type generation struct {
	start         time.Time
	entry         requestlog.Entry
	outcome       string
	err           *core.RelayError
	firstFragment time.Duration
}

func (g *generation) fail(outcome string, err *core.RelayError) {
	g.outcome = outcome
	g.err = err
}

// Generate handles POST /api/generate.
//
// Failures before the first fragment are answered with a JSON error. Once a
// fragment has been written the status is committed, so later failures can
// only end the stream (optionally with one inline diagnostic line).
//
// @Summary      Generate test cases
// @Description  Streams the generated text as plain-text chunks while the model produces it.
// @Tags         generation
// @Accept       json
// @Produce      plain
// @Param        request  body      core.GenerationRequest  true  "Feature description"
// @Success      200      {string}  string                  "Generated text, streamed"
// @Failure      400      {object}  map[string]string       "Input is required"
// @Failure      500      {object}  map[string]string       "Backend unreachable, failed or timed out"
// @Router       /api/generate [post]
func (h *Handler) Generate(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	logger := core.Logger(ctx)

	g := &generation{
		start:   h.now(),
		outcome: observability.OutcomeCompleted,
		entry: requestlog.Entry{
			ID:        uuid.NewString(),
			Model:     h.client.Model(),
			RequestID: core.RequestID(ctx),
			ClientIP:  c.RealIP(),
			UserAgent: req.UserAgent(),
		},
	}
	h.recorder.StreamStarted()
	defer h.finish(c, g)

	var body core.GenerationRequest
	if err := c.Bind(&body); err != nil {
		logger.Debug("request body rejected", "error", err)
		body.Input = ""
	}
	if err := body.Validate(); err != nil {
		relayErr := core.NewMissingInputError()
		g.fail(observability.OutcomeRejected, relayErr)
		return c.JSON(relayErr.HTTPStatusCode(), relayErr.ToJSON())
	}
	g.entry.InputBytes = len(body.Input)

	logger.Info("generation started",
		"model", h.client.Model(),
		"input_preview", body.Preview(inputPreviewRunes),
		"input_bytes", len(body.Input),
	)

	upstreamBody, err := h.client.Open(ctx, body.Input)
	if err != nil {
		relayErr := toRelayError(err)
		g.fail(observability.OutcomeFailed, relayErr)
		return c.JSON(relayErr.HTTPStatusCode(), relayErr.ToJSON())
	}
	defer func() {
		_ = upstreamBody.Close()
	}()

	opts := h.streamOpts
	opts.OnMalformed = func(e *core.RelayError) {
		h.recorder.MalformedLine()
		logger.Warn("skipping malformed upstream line", "line", e.Message, "error", e.Err)
	}
	opts.OnDiscard = func(tail []byte) {
		logger.Warn("discarding unterminated trailing line", "bytes", len(tail))
	}
	fragments := stream.NewReassembler(upstreamBody, opts)
	defer func() {
		stats := fragments.Stats()
		g.entry.Fragments = stats.Fragments
		g.entry.MalformedLines = stats.Malformed
		g.entry.UpstreamDone = stats.Done
	}()

	first, err := fragments.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		relayErr := toRelayError(err)
		g.fail(observability.OutcomeFailed, relayErr)
		return c.JSON(relayErr.HTTPStatusCode(), relayErr.ToJSON())
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Content-Type-Options", "nosniff")
	res.WriteHeader(http.StatusOK)
	// A client that stops reading is released once the generation deadline passes.
	_ = http.NewResponseController(res).SetWriteDeadline(g.start.Add(h.client.Timeout()))

	if errors.Is(err, io.EOF) {
		res.Flush()
		return nil
	}

	g.firstFragment = h.now().Sub(g.start)
	h.recorder.FirstFragment(g.firstFragment)

	frag := first
	for {
		if _, werr := io.WriteString(res, frag); werr != nil {
			g.fail(observability.OutcomeInterrupted, core.NewInternalError("client write failed: "+werr.Error(), werr))
			return nil
		}
		res.Flush()
		g.entry.OutputBytes += int64(len(frag))
		h.recorder.Fragment(len(frag))

		frag, err = fragments.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			relayErr := toRelayError(err)
			g.fail(observability.OutcomeInterrupted, relayErr)
			if h.inlineDiagnostics && ctx.Err() == nil {
				_, _ = fmt.Fprintf(res, "\n\n[generation interrupted: %s]\n", diagnosticReason(relayErr))
				res.Flush()
			}
			return nil
		}
	}
}

// finish records metrics, logs the outcome and queues the request log entry.
func (h *Handler) finish(c echo.Context, g *generation) {
	ctx := c.Request().Context()
	logger := core.Logger(ctx)
	duration := h.now().Sub(g.start)

	var kind string
	if g.err != nil {
		kind = string(g.err.Kind)
	}
	h.recorder.StreamFinished(g.outcome, kind, duration)

	attrs := []any{
		"outcome", g.outcome,
		"duration", duration,
		"bytes", g.entry.OutputBytes,
	}
	switch {
	case g.err == nil:
		logger.Info("generation finished", attrs...)
	case g.outcome == observability.OutcomeRejected:
		logger.Info("generation rejected", append(attrs, "error", g.err.Summary)...)
	case errors.Is(ctx.Err(), context.Canceled):
		logger.Info("client disconnected", attrs...)
	default:
		logger.Error("generation failed", append(attrs,
			"error_kind", kind,
			"error", g.err.Summary,
			"details", g.err.Message,
		)...)
	}

	g.entry.Timestamp = g.start
	g.entry.DurationNs = duration.Nanoseconds()
	g.entry.FirstFragmentNs = g.firstFragment.Nanoseconds()
	g.entry.Outcome = g.outcome
	g.entry.StatusCode = c.Response().Status
	if g.err != nil {
		g.entry.ErrorKind = kind
		g.entry.ErrorMessage = g.err.Message
	}
	entry := g.entry
	h.requestLog.Write(&entry)
}

// toRelayError maps anything the upstream or the reassembler returns onto
// the relay taxonomy.
func toRelayError(err error) *core.RelayError {
	var relayErr *core.RelayError
	if errors.As(err, &relayErr) {
		return relayErr
	}
	if errors.Is(err, stream.ErrLineTooLong) {
		return core.NewUpstreamError(http.StatusOK, "Generation Failed",
			"Ollama stream is not newline-delimited JSON: "+err.Error())
	}
	slog.Error("unclassified relay error", "error", err)
	return core.NewInternalError(err.Error(), err)
}

func diagnosticReason(err *core.RelayError) string {
	if err.Message != "" {
		return err.Message
	}
	return err.Summary
}
