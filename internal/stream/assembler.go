// Package stream reassembles text from newline-delimited server-sent-event
// frames. It knows nothing about HTTP; callers feed it raw bytes.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Sentinel marks the end of a stream.
const Sentinel = "[DONE]"

const deltaPath = "choices.0.delta.content"

var ErrFinished = errors.New("stream: write after finish")

// ParseError records a frame that could not be decoded. It is line scoped and
// never aborts assembly.
type ParseError struct {
	Line int
	Raw  string
	Err  error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Assembler accumulates delta text from a chunked frame stream. A chunk may
// split a line at any byte offset; only complete lines are parsed.
type Assembler struct {
	pending  []byte
	text     strings.Builder
	line     int
	frames   int
	done     bool
	finished bool
	errs     []ParseError

	now        func() time.Time
	firstDelta time.Time
	onParseErr func(ParseError)
}

type Option func(*Assembler)

// WithClock overrides the clock used to stamp the first delta.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithParseErrorHook is called once per malformed frame.
func WithParseErrorHook(fn func(ParseError)) Option {
	return func(a *Assembler) { a.onParseErr = fn }
}

func New(opts ...Option) *Assembler {
	a := &Assembler{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Write implements io.Writer so a response body can be copied straight in.
func (a *Assembler) Write(p []byte) (int, error) {
	if a.finished {
		return 0, ErrFinished
	}
	a.pending = append(a.pending, p...)
	for {
		idx := bytes.IndexByte(a.pending, '\n')
		if idx < 0 {
			break
		}
		a.handleLine(a.pending[:idx])
		a.pending = a.pending[idx+1:]
	}
	// Drop the consumed prefix so a long stream does not pin the backing array.
	if len(a.pending) == 0 {
		a.pending = nil
	} else if cap(a.pending) > 4*len(a.pending)+4096 {
		a.pending = append([]byte(nil), a.pending...)
	}
	return len(p), nil
}

// Finish flushes a trailing unterminated line (end of stream terminates it)
// and freezes the assembler. It returns the full text.
func (a *Assembler) Finish() string {
	if !a.finished {
		if len(a.pending) > 0 {
			a.handleLine(a.pending)
			a.pending = nil
		}
		a.finished = true
	}
	return a.text.String()
}

// Text returns the text assembled so far.
func (a *Assembler) Text() string { return a.text.String() }

// Done reports whether the end-of-stream sentinel was seen.
func (a *Assembler) Done() bool { return a.done }

// Frames is the number of data frames that carried a delta.
func (a *Assembler) Frames() int { return a.frames }

// ParseErrors returns every malformed frame seen so far.
func (a *Assembler) ParseErrors() []ParseError {
	return append([]ParseError(nil), a.errs...)
}

// FirstDeltaAt is the time the first non-empty delta arrived, zero if none.
func (a *Assembler) FirstDeltaAt() time.Time { return a.firstDelta }

func (a *Assembler) handleLine(raw []byte) {
	a.line++
	line := strings.TrimRight(string(raw), "\r")
	if strings.TrimSpace(line) == "" || a.done {
		return
	}
	if strings.HasPrefix(line, ":") {
		return
	}
	payload, isData := dataPayload(line)
	if !isData {
		return
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return
	}
	if payload == Sentinel {
		a.done = true
		return
	}
	if !gjson.Valid(payload) {
		a.recordParseError(line, fmt.Errorf("invalid json frame"))
		return
	}
	content := gjson.Get(payload, deltaPath)
	if !content.Exists() || content.Type == gjson.Null {
		return
	}
	if content.Type != gjson.String {
		a.recordParseError(line, fmt.Errorf("delta content is %s, want string", content.Type))
		return
	}
	if content.Str == "" {
		return
	}
	if a.firstDelta.IsZero() {
		a.firstDelta = a.now()
	}
	a.frames++
	a.text.WriteString(content.Str)
}

func (a *Assembler) recordParseError(raw string, err error) {
	pe := ParseError{Line: a.line, Raw: raw, Err: err}
	a.errs = append(a.errs, pe)
	if a.onParseErr != nil {
		a.onParseErr(pe)
	}
}

// dataPayload strips an SSE "data:" field name. Bare JSON lines are accepted
// as data; other SSE fields (event, id, retry) are not.
func dataPayload(line string) (string, bool) {
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		return strings.TrimPrefix(rest, " "), true
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, field) {
			return "", false
		}
	}
	return line, true
}
