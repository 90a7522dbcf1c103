// Package worker implements the offline cache manager: the install → waiting →
// active lifecycle, precaching of the site shell into a versioned bucket,
// cleanup of stale buckets on activation, and per-request interception with a
// network-first strategy for dynamic (API-like) traffic and a cache-first
// strategy for static assets.
//
// The manager never relies on package-level state. The cache bucket handle and
// the version key are fields of a Manager, so several versions can coexist in
// one process (which is how the registration host swaps versions, and how the
// tests exercise upgrades).
package worker
