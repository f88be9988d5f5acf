// Package xlog implements the structured, leveled logger used throughout
// qdata-server. It mirrors the context-pairs-per-call style of the
// teacher's own log package: every call carries a message plus an even
// number of key/value context arguments.
package xlog

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a logging severity.
type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Level) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Record is a single log event passed to a Handler.
type Record struct {
	Time time.Time
	Lvl  Level
	Msg  string
	Ctx  []interface{}
}

// Handler processes a Record. Implementations must be safe for concurrent use.
type Handler interface {
	Log(r *Record) error
}

// Logger is the interface components depend on; it is satisfied by *logger.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

type logger struct {
	ctx []interface{}
	h   *swapHandler
}

type swapHandler struct {
	mu sync.Mutex
	h  Handler
}

func (s *swapHandler) Log(r *Record) error {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Log(r)
}

func (s *swapHandler) Swap(h Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

var (
	root    atomic.Value
	rootMux sync.Mutex
)

func init() {
	root.Store(Logger(&logger{h: &swapHandler{h: StreamHandler(os.Stderr, TerminalFormat(isatty.IsTerminal(os.Stderr.Fd())))}}))
}

// Root returns the default process-wide logger.
func Root() Logger {
	return root.Load().(Logger)
}

// SetDefault installs l as the default logger returned by Root.
func SetDefault(l Logger) {
	rootMux.Lock()
	defer rootMux.Unlock()
	root.Store(l)
}

// New creates a new logger carrying the given context, a child of Root().
func New(ctx ...interface{}) Logger {
	return Root().New(ctx...)
}

func (l *logger) write(lvl Level, msg string, ctx []interface{}) {
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	_ = l.h.Log(&Record{Time: time.Now(), Lvl: lvl, Msg: msg, Ctx: all})
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

func (l *logger) New(ctx ...interface{}) Logger {
	child := make([]interface{}, 0, len(l.ctx)+len(ctx))
	child = append(child, l.ctx...)
	child = append(child, ctx...)
	return &logger{ctx: child, h: l.h}
}

// Format renders a Record to a line of text.
type Format func(r *Record) []byte

// TerminalFormat renders records the way a human reads a console, with
// optional ANSI coloring by level.
func TerminalFormat(color bool) Format {
	return func(r *Record) []byte {
		var b []byte
		ts := r.Time.Format("2006-01-02T15:04:05.000")
		lvl := r.Lvl.String()
		if color {
			lvl = colorize(r.Lvl, lvl)
		}
		b = append(b, fmt.Sprintf("%s [%s] %-24s", ts, lvl, r.Msg)...)
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			b = append(b, fmt.Sprintf(" %v=%v", r.Ctx[i], r.Ctx[i+1])...)
		}
		b = append(b, '\n')
		return b
	}
}

func colorize(lvl Level, s string) string {
	var code int
	switch lvl {
	case LvlCrit:
		code = 35
	case LvlError:
		code = 31
	case LvlWarn:
		code = 33
	case LvlInfo:
		code = 32
	default:
		code = 36
	}
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", code, s)
}

// JSONFormat renders records as one JSON object per line, for structured
// log shipping.
func JSONFormat() Format {
	return func(r *Record) []byte {
		pairs := make([]string, 0, len(r.Ctx)/2)
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			pairs = append(pairs, fmt.Sprintf("%q:%q", fmt.Sprint(r.Ctx[i]), fmt.Sprint(r.Ctx[i+1])))
		}
		ctx := ""
		for i, p := range pairs {
			if i > 0 {
				ctx += ","
			}
			ctx += p
		}
		line := fmt.Sprintf(`{"t":%q,"lvl":%q,"msg":%q,"ctx":{%s}}`, r.Time.Format(time.RFC3339Nano), r.Lvl.String(), r.Msg, ctx)
		return append([]byte(line), '\n')
	}
}

type streamHandler struct {
	mu  sync.Mutex
	w   io.Writer
	fmt Format
}

// StreamHandler writes formatted records to w.
func StreamHandler(w io.Writer, format Format) Handler {
	return &streamHandler{w: w, fmt: format}
}

func (h *streamHandler) Log(r *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(h.fmt(r))
	return err
}

// NewTerminalHandler writes color-formatted records to w when useColor is
// requested, using a colorable writer so ANSI sequences render on Windows
// consoles too.
func NewTerminalHandler(w io.Writer, useColor bool) Handler {
	if f, ok := w.(*os.File); ok && useColor {
		w = colorable.NewColorable(f)
	}
	return StreamHandler(w, TerminalFormat(useColor))
}

// RotatingFileHandler writes JSON-formatted records to a size/age rotated
// file.
func RotatingFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int) Handler {
	return StreamHandler(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}, JSONFormat())
}

// LvlFilterHandler drops records above (less severe than) maxLvl.
func LvlFilterHandler(maxLvl Level, h Handler) Handler {
	return handlerFunc(func(r *Record) error {
		if r.Lvl > maxLvl {
			return nil
		}
		return h.Log(r)
	})
}

// FilterHandler drops records whose message matches pattern, the
// generalized form of qlib_server.log.LogFilter: the original silences
// noisy "WARN: data not found for ..." provider chatter before it reaches
// a sink.
func FilterHandler(pattern string, h Handler) (Handler, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("xlog: compile filter pattern: %w", err)
	}
	return handlerFunc(func(r *Record) error {
		if re.MatchString(r.Msg) {
			return nil
		}
		return h.Log(r)
	}), nil
}

type handlerFunc func(r *Record) error

func (f handlerFunc) Log(r *Record) error { return f(r) }

// MultiHandler fans a record out to every handler in hs, matching the
// original's console+file dual-sink logging config.
func MultiHandler(hs ...Handler) Handler {
	return handlerFunc(func(r *Record) error {
		var first error
		for _, h := range hs {
			if err := h.Log(r); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// Configure installs the process-wide handler stack built from cfg onto
// the root logger. Call once at startup. It builds two named sinks, the
// way the original's LoggingConfig composes a console handler and an
// "others" handler: "console" receives everything at minLevel or more
// severe, and "other" — the rotated file, when filePath is set — is
// independently gated at otherLevel (qlib_server/config.py's
// LoggingConfig sets the others handler to WARNING regardless of the
// console level).
func Configure(useJSON, useColor bool, filePath string, minLevel, otherLevel Level, filterPattern string) error {
	var console Handler
	if useJSON {
		console = StreamHandler(os.Stderr, JSONFormat())
	} else {
		console = NewTerminalHandler(os.Stderr, useColor)
	}
	console = LvlFilterHandler(minLevel, console)

	handlers := []Handler{console}
	if filePath != "" {
		other := LvlFilterHandler(otherLevel, RotatingFileHandler(filePath, 100, 5, 28))
		handlers = append(handlers, other)
	}
	h := MultiHandler(handlers...)
	if filterPattern != "" {
		filtered, err := FilterHandler(filterPattern, h)
		if err != nil {
			return err
		}
		h = filtered
	}
	SetDefault(&logger{h: &swapHandler{h: h}})
	return nil
}
