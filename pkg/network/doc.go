// Package network implements non-blocking TCP connections and listeners on
// top of the event package. A Connection owns its descriptor and its read
// and write buffers; all callbacks fire on the owning dispatcher goroutine.
//
// Writable interest is registered only while there are bytes to flush or a
// connect is pending, so an idle connection costs one readable registration.
package network
