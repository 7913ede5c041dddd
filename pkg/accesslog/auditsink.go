package accesslog

import (
	"context"
	"log/slog"
	"sync"
)

// AuditSink records entries to the audit store without a file log. Writes
// are queued so the data path never waits on SQLite; a full queue drops.
type AuditSink struct {
	store  *AuditStore
	queue  chan Entry
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewAuditSink starts the sink's writer goroutine.
func NewAuditSink(store *AuditStore, log *slog.Logger) *AuditSink {
	if log == nil {
		log = slog.Default()
	}
	s := &AuditSink{
		store:  store,
		queue:  make(chan Entry, defaultQueueSize),
		done:   make(chan struct{}),
		logger: log.With("component", "audit_sink"),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Log queues the entry, dropping it when the queue is full.
func (s *AuditSink) Log(e Entry) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("audit queue full, entry dropped", "request_id", e.RequestID)
	}
}

func (s *AuditSink) run() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.record(e)
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					s.record(e)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditSink) record(e Entry) {
	if err := s.store.Record(context.Background(), e); err != nil {
		s.logger.Error("audit record failed", "error", err)
	}
}

// Close drains the queue and stops the writer.
func (s *AuditSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
	return nil
}
