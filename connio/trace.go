// Package connio provides small connection-level helpers shared by the imap
// session engine: wire tracing, a line-buffer pool, a panic-poisoning
// deflate writer for COMPRESS=DEFLATE, and TLS helpers.
package connio

import (
	"io"

	"github.com/corvid-mail/imapd/mlog"
)

// TraceWriter wraps w, logging every write at its current trace level
// (Trace by default, raised to Traceauth around credential exchanges).
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  mlog.Level
}

// NewTraceWriter returns a writer that logs everything written to w.
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, mlog.LevelTrace}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.TraceLevel(w.level, w.prefix+string(buf))
	return w.w.Write(buf)
}

// SetTrace changes the level future writes are logged at.
func (w *TraceWriter) SetTrace(level mlog.Level) {
	w.level = level
}

// TraceReader wraps r, logging every successful read at its current trace level.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  mlog.Level
}

// NewTraceReader returns a reader that logs everything read from r.
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, mlog.LevelTrace}
}

func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.TraceLevel(r.level, r.prefix+string(buf[:n]))
	}
	return n, err
}

// SetTrace changes the level future reads are logged at.
func (r *TraceReader) SetTrace(level mlog.Level) {
	r.level = level
}
