// Package logging provides the process logger: a log/slog wrapper with a
// bounded asynchronous writer so that worker threads never block on log I/O.
//
// Components obtain named child loggers (Component("http1"), Component("router"))
// so log lines carry their origin; entries beyond the buffer capacity are
// dropped and counted rather than stalling the data path.
package logging
