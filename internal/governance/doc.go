// Package governance provides the runtime safety controls that sit in front of
// the upstream image service: per-key sliding-window admission, bounded retry
// with exponential backoff and a circuit breaker for sustained outages.
//
// All of them are process-scoped and in-memory. The admission limiter is a
// single-process structure; nothing here coordinates across instances.
package governance
