package testutil

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// NewTestLogger returns a logger for tests. Output goes to t.Log under
// `go test -v` and is discarded otherwise.
func NewTestLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = tWriter{t}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

type tWriter struct{ t *testing.T }

func (w tWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// LogBuffer is a concurrency-safe sink for captured log lines.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything logged so far.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewCaptureLogger returns a JSON logger writing into the returned buffer.
func NewCaptureLogger(t *testing.T) (zerolog.Logger, *LogBuffer) {
	t.Helper()
	buf := &LogBuffer{}
	return zerolog.New(buf), buf
}
