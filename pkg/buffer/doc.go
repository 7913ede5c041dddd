// Package buffer provides the owned byte queue used on every connection and
// stream. A Buffer is a chain of segments optimized for scatter/gather I/O:
// bytes are appended by moving whole segments between buffers when possible,
// reserved ahead of a readv, and drained from the head after a writev.
//
// Each Buffer is exclusively owned by one logical endpoint (a connection read
// side, a connection write side, or a stream's body buffer) and is not safe
// for concurrent use.
package buffer
