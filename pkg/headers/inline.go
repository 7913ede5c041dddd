package headers

// Well-known header names. Pseudo-names beginning with ':' exist only in the
// internal representation and never appear on the HTTP/1.1 wire.
const (
	Method    = ":method"
	Path      = ":path"
	Scheme    = ":scheme"
	Authority = ":authority"
	Status    = ":status"

	Connection       = "connection"
	ContentLength    = "content-length"
	Expect           = "expect"
	Host             = "host"
	TransferEncoding = "transfer-encoding"
	Upgrade          = "upgrade"

	RequestID                 = "x-request-id"
	ForwardedFor              = "x-forwarded-for"
	EnvoyDownstreamCluster    = "x-envoy-downstream-service-cluster"
	EnvoyExpectedTimeoutMs    = "x-envoy-expected-rq-timeout-ms"
	EnvoyExternalAddress      = "x-envoy-external-address"
	EnvoyForceTrace           = "x-envoy-force-trace"
	EnvoyInternal             = "x-envoy-internal"
	EnvoyMaxRetries           = "x-envoy-max-retries"
	EnvoyOriginalPath         = "x-envoy-original-path"
	EnvoyPerTryTimeoutMs      = "x-envoy-upstream-rq-per-try-timeout-ms"
	EnvoyRetryOn              = "x-envoy-retry-on"
	EnvoyTimeoutAltResponse   = "x-envoy-upstream-rq-timeout-alt-response"
	EnvoyTimeoutMs            = "x-envoy-upstream-rq-timeout-ms"
	EnvoyUpstreamCanary       = "x-envoy-upstream-canary"
	EnvoyUpstreamServiceTime  = "x-envoy-upstream-service-time"
)

// inlineNames is the closed set resolved to inline slots. Order is the slot
// index; appendable marks names whose repeated insertion comma-concatenates
// instead of overwriting.
var inlineNames = []struct {
	name       string
	appendable bool
}{
	{Method, false},
	{Path, false},
	{Scheme, false},
	{Authority, false},
	{Status, false},
	{Connection, false},
	{ContentLength, false},
	{Expect, false},
	{Host, false},
	{TransferEncoding, false},
	{Upgrade, false},
	{RequestID, false},
	{ForwardedFor, true},
	{EnvoyDownstreamCluster, false},
	{EnvoyExpectedTimeoutMs, false},
	{EnvoyExternalAddress, false},
	{EnvoyForceTrace, false},
	{EnvoyInternal, false},
	{EnvoyMaxRetries, false},
	{EnvoyOriginalPath, false},
	{EnvoyPerTryTimeoutMs, false},
	{EnvoyRetryOn, false},
	{EnvoyTimeoutAltResponse, false},
	{EnvoyTimeoutMs, false},
	{EnvoyUpstreamCanary, false},
	{EnvoyUpstreamServiceTime, false},
}

const noInline = -1

// trieNode has one child per byte value of a lowercase header name.
type trieNode struct {
	children map[byte]*trieNode
	slot     int
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[byte]*trieNode), slot: noInline}
}

var inlineTrie = buildInlineTrie()

func buildInlineTrie() *trieNode {
	root := newTrieNode()
	for slot, def := range inlineNames {
		node := root
		for i := 0; i < len(def.name); i++ {
			c := def.name[i]
			next, ok := node.children[c]
			if !ok {
				next = newTrieNode()
				node.children[c] = next
			}
			node = next
		}
		node.slot = slot
	}
	return root
}

// inlineSlot resolves a lowercase name to its inline slot, or noInline.
// Lookup cost is proportional to the name length, not the map size.
func inlineSlot(name string) int {
	node := inlineTrie
	for i := 0; i < len(name); i++ {
		next, ok := node.children[name[i]]
		if !ok {
			return noInline
		}
		node = next
	}
	return node.slot
}
