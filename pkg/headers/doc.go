// Package headers implements the ordered, case-insensitive header map shared
// by the HTTP codec, the filter pipeline, and the router.
//
// A closed set of well-known names (pseudo-headers and the x-envoy family) is
// resolved through a byte trie to an inline slot, so hot-path lookups cost
// O(name length) instead of a linear scan over the map.
package headers
