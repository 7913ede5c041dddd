// Package accesslog writes per-request log lines off the data path.
//
// A FileSink owns a bounded queue drained by a single background goroutine
// that batches writes and flushes on an interval. The data path never blocks:
// when the queue is full the entry is dropped and a counter charged. The same
// goroutine optionally records every entry into a SQLite-backed AuditStore,
// which a cron-scheduled Pruner trims to the configured retention window.
//
// The line format is fixed:
//
//	[2026-03-04T12:00:00.000Z] "GET /api/v1/users HTTP/1.1" 200 - 0 421 17 14
//	"10.0.35.28" "curl/8.5" "f4b2…" "api.example.com" "10.1.2.3:8080"
//
// with response flags rendered as short codes (UH, UF, UT, ...) or "-".
package accesslog
