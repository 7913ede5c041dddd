// Package stream defines the protocol-independent stream contract shared by
// the HTTP codec, the filter pipeline, and the router: encoder/decoder event
// interfaces, reset reasons, response flags, per-request info, and the
// ordered decoder/encoder filter chains with stop/continue iteration.
//
// Within one stream, events are always delivered as {headers, zero or more
// data, optional trailers, optional reset}; decoder filters observe the
// request direction and encoder filters the response direction in reverse
// registration order.
package stream
