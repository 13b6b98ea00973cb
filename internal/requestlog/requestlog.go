// Package requestlog records one metadata row per generation request.
// Prompt and generated text are never stored; only sizes, timings and
// outcomes are.
package requestlog

import (
	"context"
	"time"
)

// LogStore is the persistence backend for request log entries.
type LogStore interface {
	// WriteBatch writes multiple entries. Implementations should be idempotent on ID.
	WriteBatch(ctx context.Context, entries []*Entry) error
	// Flush forces pending writes to complete.
	Flush(ctx context.Context) error
	// Close releases store resources. The underlying connection belongs to the storage layer.
	Close() error
}

// Entry describes one finished generation request.
type Entry struct {
	ID         string    `json:"id" bson:"_id"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	DurationNs int64     `json:"duration_ns" bson:"duration_ns"`

	Model      string `json:"model" bson:"model"`
	StatusCode int    `json:"status_code" bson:"status_code"`
	Outcome    string `json:"outcome" bson:"outcome"`
	ErrorKind  string `json:"error_kind,omitempty" bson:"error_kind,omitempty"`
	// ErrorMessage is the relay's own diagnostic, never upstream text content
	ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`

	RequestID string `json:"request_id,omitempty" bson:"request_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty" bson:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty" bson:"user_agent,omitempty"`

	InputBytes      int   `json:"input_bytes" bson:"input_bytes"`
	Fragments       int   `json:"fragments" bson:"fragments"`
	OutputBytes     int64 `json:"output_bytes" bson:"output_bytes"`
	MalformedLines  int   `json:"malformed_lines" bson:"malformed_lines"`
	UpstreamDone    bool  `json:"upstream_done" bson:"upstream_done"`
	FirstFragmentNs int64 `json:"first_fragment_ns,omitempty" bson:"first_fragment_ns,omitempty"`
}

// Config controls the buffered writer.
type Config struct {
	Enabled       bool
	BufferSize    int
	FlushInterval time.Duration
	RetentionDays int
}
