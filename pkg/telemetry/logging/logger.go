package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogFormat is the output encoding for log lines.
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON LogFormat = "json"
	// FormatText outputs logs in logfmt-style text.
	FormatText LogFormat = "text"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string

	// Format is the output format ("json", "text").
	Format string

	// BufferSize is the async buffer capacity in entries. Zero means 10000.
	BufferSize int

	// Writer is the output writer. Nil means os.Stderr.
	Writer io.Writer
}

// Logger wraps slog with asynchronous buffered output.
type Logger struct {
	slog   *slog.Logger
	level  slog.Level
	buffer *asyncWriter
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	writer := cfg.Writer
	if writer == nil {
		writer = os.Stderr
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 10000
	}

	buffer := newAsyncWriter(writer, size)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch LogFormat(cfg.Format) {
	case FormatText:
		handler = slog.NewTextHandler(buffer, opts)
	case FormatJSON, "":
		handler = slog.NewJSONHandler(buffer, opts)
	default:
		buffer.Stop()
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return &Logger{slog: slog.New(handler), level: level, buffer: buffer}, nil
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", name)
}

// Slog returns the underlying slog logger.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *slog.Logger {
	return l.slog.With("component", name)
}

// Dropped returns the number of log entries discarded under pressure.
func (l *Logger) Dropped() int64 { return l.buffer.dropped.Load() }

// Close flushes buffered entries and stops the writer goroutine.
func (l *Logger) Close() { l.buffer.Stop() }

// asyncWriter forwards encoded log lines to the destination from its own
// goroutine. When the queue is full the line is dropped and counted; the
// caller never blocks.
type asyncWriter struct {
	dest    io.Writer
	lines   chan []byte
	stop    chan struct{}
	dropped atomic.Int64
	wg      sync.WaitGroup
}

func newAsyncWriter(dest io.Writer, size int) *asyncWriter {
	w := &asyncWriter{
		dest:  dest,
		lines: make(chan []byte, size),
		stop:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case w.lines <- line:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

func (w *asyncWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case line := <-w.lines:
			w.dest.Write(line)
		case <-w.stop:
			for {
				select {
				case line := <-w.lines:
					w.dest.Write(line)
				default:
					return
				}
			}
		}
	}
}

func (w *asyncWriter) Stop() {
	close(w.stop)
	w.wg.Wait()
}
