// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that workers use to report shard progress. It batches events on a
// background goroutine and fans them out to pluggable sinks such as logs,
// Prometheus metrics, Pub/Sub, or a relational mirror.
package progress
