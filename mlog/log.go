// Package mlog provides leveled, structured logging on top of log/slog.
//
// Each Log carries a package name and a set of fields that are attached to
// every line it emits. Levels below the configured package level (or the
// fallback "" level) are dropped without formatting cost. Two extra levels
// sit below Debug: Trace for raw wire logging and Traceauth for the same
// purpose around credential exchanges. The IMAP engine logs only the
// AUTHENTICATE PLAIN continuation line at Traceauth; LOGIN arguments and
// other SASL messages are logged at Trace.
//
// Fatal always logs and then exits the process; it should only be used
// during startup, never from a connection goroutine.
package mlog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

type Level int

const (
	LevelFatal     Level = iota // Always logged.
	LevelError                  // Always logged.
	LevelInfo
	LevelDebug
	LevelTrace     // Raw bytes in/out.
	LevelTraceauth // Like Trace, but only ever holds credential exchanges.
)

var levelNames = map[Level]string{
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// config maps a package name ("" is the fallback) to its minimum log level.
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelInfo})
}

// SetConfig atomically replaces the per-package level configuration used by
// all existing and future Log values.
func SetConfig(levels map[string]Level) {
	cp := make(map[string]Level, len(levels))
	for k, v := range levels {
		cp[k] = v
	}
	config.Store(cp)
}

func levelFor(pkg string) Level {
	levels := config.Load().(map[string]Level)
	if l, ok := levels[pkg]; ok {
		return l
	}
	return levels[""]
}

// Log is a logger bound to a package name, with additional fields attached
// to every line. MoreFields, if set, is called on every log call to fetch
// further attributes that vary per call (e.g. a running "time since last
// line" delta).
type Log struct {
	pkg        string
	slog       *slog.Logger
	fields     []slog.Attr
	moreFields func() []slog.Attr
}

// New returns a logger for the named package, logging through base (or
// slog.Default if base is nil).
func New(pkg string, base *slog.Logger) Log {
	if base == nil {
		base = slog.Default()
	}
	return Log{pkg: pkg, slog: base}
}

// Fields returns a derived Log with additional fields merged in, present on
// every subsequent call through the returned value.
func (l Log) Fields(attrs ...slog.Attr) Log {
	nl := l
	nl.fields = append(append([]slog.Attr{}, l.fields...), attrs...)
	return nl
}

// WithFunc returns a derived Log that calls fn for extra attributes just
// before each line is emitted, e.g. a cid or a "time since previous line".
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	nl := l
	nl.moreFields = fn
	return nl
}

// WithContext derives a Log carrying a "cid" attribute taken from ctx, if
// one was stored there with mlog.WithCid.
func (l Log) WithContext(ctx context.Context) Log {
	if v := ctx.Value(cidKey); v != nil {
		return l.Fields(slog.Int64("cid", v.(int64)))
	}
	return l
}

type ctxKey string

const cidKey ctxKey = "cid"

// WithCid returns a context carrying cid for later retrieval by WithContext.
func WithCid(ctx context.Context, cid int64) context.Context {
	return context.WithValue(ctx, cidKey, cid)
}

func (l Log) attrs(extra []slog.Attr) []slog.Attr {
	all := append([]slog.Attr{slog.String("pkg", l.pkg)}, l.fields...)
	if l.moreFields != nil {
		all = append(all, l.moreFields()...)
	}
	return append(all, extra...)
}

func (l Log) log(level Level, err error, msg string, attrs []slog.Attr) {
	if level > LevelError && level > levelFor(l.pkg) {
		return
	}
	if err != nil {
		attrs = append(attrs, slog.Any("err", err))
	}
	sl := slogLevel(level)
	l.slog.LogAttrs(context.Background(), sl, msg, l.attrs(attrs)...)
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelFatal, LevelError:
		return slog.LevelError
	case LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.log(LevelDebug, nil, msg, attrs) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelDebug, err, msg, attrs)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.log(LevelInfo, nil, msg, attrs) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelInfo, err, msg, attrs)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.log(LevelError, nil, msg, attrs) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelError, err, msg, attrs)
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelFatal, err, msg, attrs)
	os.Exit(1)
}

// Trace logs at the raw wire-tracing level. Used by connio's trace
// reader/writer wrappers.
func (l Log) Trace(msg string, attrs ...slog.Attr) bool {
	if LevelTrace > levelFor(l.pkg) {
		return false
	}
	l.log(LevelTrace, nil, msg, attrs)
	return true
}

// Traceauth is like Trace but for credential exchanges: callers should only
// feed it data that is a credential, since enabling "trace" alone will not
// reveal it, only "traceauth" does.
func (l Log) Traceauth(msg string, attrs ...slog.Attr) bool {
	if LevelTraceauth > levelFor(l.pkg) {
		return false
	}
	l.log(LevelTraceauth, nil, msg, attrs)
	return true
}

// TraceLevel logs at an explicit Trace/Traceauth level, for wire-level
// readers/writers that toggle their verbosity mid-connection (e.g. around a
// PLAIN credential exchange).
func (l Log) TraceLevel(level Level, msg string, attrs ...slog.Attr) bool {
	if level > levelFor(l.pkg) {
		return false
	}
	l.log(level, nil, msg, attrs)
	return true
}

// Check logs err at error level with msg and attrs if err is non-nil. It is
// meant for cleanup paths (closing files, flushing buffers) where an error
// is unexpected but not worth aborting for.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err == nil {
		return
	}
	l.Errorx(msg, err, attrs...)
}
