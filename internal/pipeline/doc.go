// Package pipeline drives batches of user-submitted images through upload,
// generation and review.
//
// Each item follows a fixed state machine:
//
//	queued -> uploading -> uploaded -> generating -> generated -> accepted | rejected
//
// with failed reachable from every stage before generated. Every transition
// out of a resting stage passes the admission limiter and the side-effect
// gate; generation also needs a credential from the shared cache and is
// retried on transport failures. A batch runs at most Concurrency items at a
// time; cancelling it stops new transitions without interrupting calls that
// are already in flight.
//
// Progress is observable through Batch.Watch, a lossless event stream, or by
// polling Batch.Snapshot.
package pipeline
