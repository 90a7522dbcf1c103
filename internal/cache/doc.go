// Package cache defines the versioned cache buckets the offline worker reads
// and writes. A Storage owns a set of named buckets; each Bucket maps a request
// identity (method + absolute URL) to a response snapshot. Three backends share
// the same contract: an in-process map, a directory tree under StoragePath
// (temp file + rename, one JSON document per entry) and a badger database for
// deployments that want the cache to survive restarts.
package cache
