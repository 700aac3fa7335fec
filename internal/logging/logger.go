package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel uint8

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

const slogLevelCritical = slog.LevelError + 4

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return slogLevelCritical
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a LogLevel, defaulting to info.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "critical":
		return LevelCritical
	default:
		return LevelInfo
	}
}

type Logger struct {
	slog   *slog.Logger
	writer *asyncWriter
}

// Process logs rotate daily or at 64 MiB.
const (
	logMaxSize = 64 << 20
	logMaxAge  = 24 * time.Hour
)

// NewLogger writes JSON lines to path, or to stdout when path is empty.
func NewLogger(level LogLevel, path string) (*Logger, error) {
	var out io.WriteCloser = nopCloser{os.Stdout}
	if path != "" {
		file, err := OpenRotating(path, logMaxSize, logMaxAge)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}

	w := newAsyncWriter(out, 10000)
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level.slogLevel(),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slogLevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	})

	return &Logger{slog: slog.New(h), writer: w}, nil
}

func (l *Logger) log(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.slog.Enabled(ctx, level) {
		return
	}
	l.slog.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(slog.LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args...)
}

func (l *Logger) Critical(format string, args ...interface{}) {
	l.log(slogLevelCritical, format, args...)
}

// Slog exposes the structured logger for callers that want attributes.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

func (l *Logger) Close() error {
	return l.writer.Close()
}

// asyncWriter moves file writes off the event handlers. Lines are dropped
// when the buffer is full.
type asyncWriter struct {
	out   io.WriteCloser
	lines chan []byte
	wg    sync.WaitGroup
	once  sync.Once
}

func newAsyncWriter(out io.WriteCloser, buffer int) *asyncWriter {
	w := &asyncWriter{out: out, lines: make(chan []byte, buffer)}
	w.wg.Add(1)
	go w.worker()
	return w
}

func (w *asyncWriter) worker() {
	defer w.wg.Done()
	for line := range w.lines {
		w.out.Write(line)
	}
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case w.lines <- line:
	default:
	}
	return len(p), nil
}

func (w *asyncWriter) Close() error {
	var err error
	w.once.Do(func() {
		close(w.lines)
		w.wg.Wait()
		err = w.out.Close()
	})
	return err
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

var (
	globalMu     sync.RWMutex
	GlobalLogger *Logger
)

func InitGlobalLogger(level LogLevel, path string) error {
	logger, err := NewLogger(level, path)
	if err != nil {
		return err
	}
	globalMu.Lock()
	GlobalLogger = logger
	globalMu.Unlock()
	return nil
}

// Close flushes and closes the global logger.
func Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if GlobalLogger == nil {
		return nil
	}
	err := GlobalLogger.Close()
	GlobalLogger = nil
	return err
}

func global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return GlobalLogger
}

func Debug(format string, args ...interface{}) {
	if l := global(); l != nil {
		l.Debug(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if l := global(); l != nil {
		l.Info(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if l := global(); l != nil {
		l.Warn(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if l := global(); l != nil {
		l.Error(format, args...)
	}
}

func Critical(format string, args ...interface{}) {
	if l := global(); l != nil {
		l.Critical(format, args...)
	}
}

// MaskToken hides all but the edges of a secret for log output.
func MaskToken(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	if len(tok) <= 8 {
		return "***"
	}
	return tok[:3] + "***" + tok[len(tok)-3:]
}
