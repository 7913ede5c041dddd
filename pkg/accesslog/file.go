package accesslog

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"mercator-hq/janus/pkg/stats"
)

// Sink accepts completed request entries. Implementations must not block.
type Sink interface {
	Log(Entry)
}

// NopSink discards every entry.
type NopSink struct{}

func (NopSink) Log(Entry) {}

const defaultQueueSize = 1024

// FileSink appends formatted entries to a file from a dedicated goroutine.
// Log never blocks: a full queue drops the entry and charges the dropped
// counter. Write failures trigger a reopen of the target path on the next
// entry, charging reopen_failed until the open succeeds.
type FileSink struct {
	path     string
	queue    chan Entry
	reopenCh chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	flushInterval time.Duration

	file *os.File
	w    *bufio.Writer

	written      *stats.Counter
	dropped      *stats.Counter
	reopenFailed *stats.Counter

	audit  *AuditStore
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileSink opens path for appending and starts the flush goroutine.
// Counters are created under scope (written, dropped, reopen_failed). The
// audit store is optional; when present every entry is also recorded there,
// from the flush goroutine only.
func NewFileSink(path string, flushInterval time.Duration, scope *stats.Scope, audit *AuditStore, log *slog.Logger) (*FileSink, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening access log %q: %w", path, err)
	}
	s := &FileSink{
		path:          path,
		queue:         make(chan Entry, defaultQueueSize),
		reopenCh:      make(chan struct{}, 1),
		done:          make(chan struct{}),
		flushInterval: flushInterval,
		file:          f,
		w:             bufio.NewWriter(f),
		written:       scope.Counter("written"),
		dropped:       scope.Counter("dropped"),
		reopenFailed:  scope.Counter("reopen_failed"),
		audit:         audit,
		logger:        log.With("component", "accesslog", "path", path),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Log enqueues the entry for the flush goroutine. Drops when the queue is
// full or the sink is closed.
func (s *FileSink) Log(e Entry) {
	select {
	case <-s.done:
		s.dropped.Inc()
		return
	default:
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Inc()
	}
}

func (s *FileSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case e := <-s.queue:
			s.write(e)
		case <-s.reopenCh:
			s.flush()
			if s.file != nil {
				s.file.Close()
				s.file, s.w = nil, nil
			}
			s.reopen()
		case <-ticker.C:
			s.flush()
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					s.write(e)
				default:
					s.flush()
					return
				}
			}
		}
	}
}

func (s *FileSink) write(e Entry) {
	if s.w == nil && !s.reopen() {
		s.dropped.Inc()
		return
	}
	if _, err := s.w.WriteString(e.Line() + "\n"); err != nil {
		s.logger.Warn("access log write failed", "error", err)
		s.file.Close()
		s.file, s.w = nil, nil
		s.dropped.Inc()
	} else {
		s.written.Inc()
	}
	if s.audit != nil {
		if err := s.audit.Record(context.Background(), e); err != nil {
			s.logger.Warn("audit record failed", "error", err)
		}
	}
}

func (s *FileSink) reopen() bool {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reopenFailed.Inc()
		return false
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	s.logger.Info("access log reopened")
	return true
}

func (s *FileSink) flush() {
	if s.w == nil {
		return
	}
	if err := s.w.Flush(); err != nil {
		s.logger.Warn("access log flush failed", "error", err)
		s.file.Close()
		s.file, s.w = nil, nil
	}
}

// Reopen asks the flush goroutine to close and reopen the file. Used after
// log rotation.
func (s *FileSink) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// The file handle stays owned by the flush goroutine.
	select {
	case s.reopenCh <- struct{}{}:
	default:
	}
}

// Close drains the queue, flushes, and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
