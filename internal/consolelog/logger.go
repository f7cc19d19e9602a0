package consolelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Kind tags a log line with the subsystem that wrote it.
type Kind string

const (
	KindDebug    Kind = "DEBUG"
	KindInfo     Kind = "INFO"
	KindWarn     Kind = "WARN"
	KindError    Kind = "ERROR"
	KindWS       Kind = "WS"
	KindEvent    Kind = "EVENT"
	KindQueue    Kind = "QUEUE"
	KindApproval Kind = "APPROVAL"
	KindMirror   Kind = "MIRROR"
	KindMail     Kind = "MAIL"
)

// kindSGR holds the terminal colour for each kind. Kinds missing here print uncoloured.
var kindSGR = map[Kind]string{
	KindDebug:    "2",
	KindInfo:     "36",
	KindWarn:     "33",
	KindError:    "1;31",
	KindWS:       "35",
	KindEvent:    "34",
	KindQueue:    "32",
	KindApproval: "1;33",
	KindMirror:   "2;32",
	KindMail:     "2;32",
}

const timeLayout = "2006-01-02 15:04:05.000"

// Logger writes kind-tagged lines to a log file and, while enabled, the terminal.
type Logger struct {
	now   func() time.Time
	debug bool

	mu      sync.Mutex
	file    io.Writer
	term    io.Writer
	termOn  bool
	colored bool
}

type Options struct {
	File io.Writer
	Term io.Writer

	TermEnabled bool
	TermColor   bool
	Debug       bool

	Now func() time.Time
}

func New(opts Options) *Logger {
	l := &Logger{
		now:     opts.Now,
		debug:   opts.Debug,
		file:    opts.File,
		term:    opts.Term,
		termOn:  opts.TermEnabled,
		colored: opts.TermColor,
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// OpenFile opens (appending) the log file at path, creating parent directories.
func OpenFile(path string) (*os.File, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Close closes the file sink. The terminal sink is never closed.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.file.(io.Closer)
	l.file = nil
	if !ok {
		return nil
	}
	return c.Close()
}

// TermColorEnabled reports whether w is a colour-capable terminal. NO_COLOR wins over
// CLICOLOR_FORCE.
func TermColorEnabled(w io.Writer) bool {
	switch {
	case os.Getenv("NO_COLOR") != "":
		return false
	case os.Getenv("CLICOLOR_FORCE") != "" && os.Getenv("CLICOLOR_FORCE") != "0":
		return true
	}
	if t := strings.TrimSpace(os.Getenv("TERM")); t == "" || t == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SetTermEnabled toggles terminal output, e.g. while a full-screen UI owns the terminal.
func (l *Logger) SetTermEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.termOn = enabled
	l.mu.Unlock()
}

// Func returns a printf-style sink bound to kind, for components taking a Logf option.
func (l *Logger) Func(kind Kind) func(format string, args ...any) {
	if l == nil {
		return func(string, ...any) {}
	}
	return func(format string, args ...any) { l.Logf(kind, format, args...) }
}

func (l *Logger) Logf(kind Kind, format string, args ...any) {
	if l == nil || (kind == KindDebug && !l.debug) {
		return
	}
	l.Log(kind, fmt.Sprintf(format, args...))
}

// Log writes msg as one line. Blank messages are dropped.
func (l *Logger) Log(kind Kind, msg string) {
	if l == nil {
		return
	}
	text := strings.TrimRight(msg, "\r\n")
	if strings.TrimSpace(text) == "" {
		return
	}
	line := "[" + l.now().Format(timeLayout) + "] [" + strings.TrimSpace(string(kind)) + "] " + text

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = io.WriteString(l.file, line+"\n")
	}
	if !l.termOn || l.term == nil {
		return
	}
	if sgr, ok := kindSGR[kind]; ok && l.colored {
		line = "\x1b[" + sgr + "m" + line + "\x1b[0m"
	}
	_, _ = io.WriteString(l.term, line+"\n")
}

// Preview flattens raw onto one line and cuts it to max runes.
func Preview(raw string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(strings.Join(strings.Fields(raw), " "))
	switch {
	case len(runes) <= max:
		return string(runes)
	case max < 16:
		return string(runes[:max])
	default:
		return string(runes[:max-14]) + " ... (truncated)"
	}
}
