// Package router implements the terminal decoder filter: it resolves a
// route, picks an upstream cluster and host, forwards the request through a
// connection pool, and manages timeouts, retries with jittered backoff, and
// request shadowing. Local replies (404/503/504) are emitted straight onto
// the encoder chain.
package router
