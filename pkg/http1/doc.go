// Package http1 implements the HTTP/1.1 wire codec: an incremental parser
// driving per-message callbacks, a server connection that turns requests
// into streams, and a client connection that matches responses to a FIFO of
// in-flight requests.
//
// The parser pauses at every message boundary, and Dispatch resumes it at
// once: a single Dispatch call delivers every complete message in its input,
// one after another, without returning to the owner between them. Body
// framing on egress is identity when content-length is present, zero-length
// when the headers end the stream, and chunked otherwise.
package http1
