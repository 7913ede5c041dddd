package accesslog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes audit records older than the retention window on a cron
// schedule.
type Pruner struct {
	store    *AuditStore
	days     int
	schedule string

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	logger  *slog.Logger
}

// NewPruner creates a pruner over store. days of 0 disables age pruning;
// an empty schedule disables the scheduler entirely.
func NewPruner(store *AuditStore, days int, schedule string, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		store:    store,
		days:     days,
		schedule: schedule,
		cron:     cron.New(),
		logger:   log.With("component", "accesslog.retention"),
	}
}

// Prune deletes records older than the retention window. Returns the number
// of records deleted.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -p.days)
	deleted, err := p.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning audit records: %w", err)
	}
	if deleted > 0 {
		p.logger.Info("pruned audit records", "deleted", deleted, "retention_days", p.days)
	}
	return deleted, nil
}

// Start schedules Prune on the configured cron expression and stops the
// scheduler when ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.schedule == "" {
		p.logger.Info("retention schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(p.schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", p.schedule, err)
	}
	if _, err := p.cron.AddFunc(p.schedule, func() {
		if _, err := p.Prune(ctx); err != nil {
			p.logger.Error("scheduled pruning failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling retention pruning: %w", err)
	}
	p.cron.Start()
	p.running = true
	p.logger.Info("retention scheduler started", "schedule", p.schedule, "retention_days", p.days)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop stops the scheduler, waiting for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
	p.logger.Info("retention scheduler stopped")
}

// NextRun returns the next scheduled pruning time, or nil when the scheduler
// is idle.
func (p *Pruner) NextRun() *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
