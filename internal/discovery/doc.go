// Package discovery answers read-only queries over the capability registry
// (pattern, complementary, metadata and distribution lookups) behind an
// advisory, time-bounded result cache.
package discovery
