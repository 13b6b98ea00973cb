// Package stream turns a newline-delimited JSON byte stream from the
// inference backend into an ordered sequence of text fragments.
package stream

import (
	"bytes"
	"errors"
	"io"

	"github.com/tidwall/gjson"

	"testgen/internal/core"
)

const (
	// DefaultReadSize is the size of a single read from the source.
	DefaultReadSize = 32 * 1024

	// DefaultMaxLineBytes bounds the pending buffer while waiting for a newline.
	DefaultMaxLineBytes = 4 * 1024 * 1024
)

// ErrLineTooLong is returned by Next when the source produces more than
// MaxLineBytes without a newline.
var ErrLineTooLong = errors.New("stream: line exceeds maximum length")

// Options configures a Reassembler. The zero value is usable.
type Options struct {
	// ReadSize is the buffer size handed to each Read of the source.
	ReadSize int

	// MaxLineBytes caps the unterminated tail kept between reads.
	MaxLineBytes int

	// OnMalformed is called for every complete line that is not a JSON object.
	// The line is skipped and the stream continues.
	OnMalformed func(err *core.RelayError)

	// OnDiscard is called once at end of stream with a non-empty
	// unterminated tail, which is never parsed.
	OnDiscard func(tail []byte)
}

// Frame is one parsed line of the upstream stream.
type Frame struct {
	Response string
	Done     bool
}

// Stats counts what a Reassembler has seen so far.
type Stats struct {
	Chunks    int
	Bytes     int64
	Lines     int
	Fragments int
	Malformed int
	Done      bool
}

// Reassembler is a pull-based, single-use reader of text fragments.
// It is not safe for concurrent use; one request owns one Reassembler.
type Reassembler struct {
	src     io.Reader
	opts    Options
	chunk   []byte
	pending []byte
	ready   []string
	stats   Stats
	err     error
}

// NewReassembler wraps src. Each Read of src is treated as one chunk.
func NewReassembler(src io.Reader, opts Options) *Reassembler {
	if opts.ReadSize <= 0 {
		opts.ReadSize = DefaultReadSize
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	return &Reassembler{
		src:   src,
		opts:  opts,
		chunk: make([]byte, opts.ReadSize),
	}
}

// Next returns the next text fragment in upstream order. It returns io.EOF
// once the source has ended and every complete line has been consumed.
// Any other error from the source is returned as-is and is terminal.
func (r *Reassembler) Next() (string, error) {
	for {
		if len(r.ready) > 0 {
			frag := r.ready[0]
			r.ready[0] = ""
			r.ready = r.ready[1:]
			return frag, nil
		}
		if r.err != nil {
			return "", r.err
		}
		r.fill()
	}
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() Stats {
	return r.stats
}

// fill performs one read and queues the fragments of every line it completes.
func (r *Reassembler) fill() {
	n, err := r.src.Read(r.chunk)
	if n > 0 {
		r.stats.Chunks++
		r.stats.Bytes += int64(n)
		r.pending = append(r.pending, r.chunk[:n]...)
		r.drainLines()
		if len(r.pending) > r.opts.MaxLineBytes {
			r.pending = nil
			r.err = ErrLineTooLong
			return
		}
	}
	if err == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		if len(bytes.TrimSpace(r.pending)) > 0 && r.opts.OnDiscard != nil {
			r.opts.OnDiscard(r.pending)
		}
		r.pending = nil
		r.err = io.EOF
		return
	}
	r.err = err
}

// drainLines cuts every newline-terminated line off the pending buffer.
// A '\n' byte never occurs inside a multi-byte UTF-8 sequence, so a
// character split across reads is always whole by the time its line is cut.
func (r *Reassembler) drainLines() {
	start := 0
	for {
		i := bytes.IndexByte(r.pending[start:], '\n')
		if i < 0 {
			break
		}
		r.handleLine(r.pending[start : start+i])
		start += i + 1
	}
	if start == 0 {
		return
	}
	// Keep only the unterminated tail, reusing the backing array.
	r.pending = append(r.pending[:0], r.pending[start:]...)
}

func (r *Reassembler) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	r.stats.Lines++

	frame, err := ParseFrame(line)
	if err != nil {
		r.stats.Malformed++
		if r.opts.OnMalformed != nil {
			r.opts.OnMalformed(core.NewMalformedFragmentError(line, err))
		}
		return
	}
	if frame.Done {
		r.stats.Done = true
	}
	if frame.Response != "" {
		r.stats.Fragments++
		r.ready = append(r.ready, frame.Response)
	}
}

var (
	errInvalidJSON = errors.New("invalid JSON")
	errNotObject   = errors.New("line is not a JSON object")
)

// ParseFrame parses one complete line. Only a syntactically valid JSON
// object is accepted; a non-string "response" is ignored.
func ParseFrame(line []byte) (Frame, error) {
	if !gjson.ValidBytes(line) {
		return Frame{}, errInvalidJSON
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return Frame{}, errNotObject
	}

	var f Frame
	if resp := doc.Get("response"); resp.Type == gjson.String {
		f.Response = resp.String()
	}
	f.Done = doc.Get("done").Type == gjson.True
	return f, nil
}
