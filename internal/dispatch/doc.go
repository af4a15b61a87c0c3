// Package dispatch drains the queue and drives delivery attempts through a
// pluggable carrier.
//
// The worker pool bounds total concurrent outbound attempts; the per-recipient
// cap is the queue's job. Every state change goes through the store's
// compare-and-set, so a lost race is skipped, never retried blindly. The
// per-attempt timeout governs state-machine progress independently of whether
// the carrier call itself can be torn down.
//
// The retry scheduler is stateless logic over store contents: it computes the
// backoff delay, defers the message's eligible time, and re-enqueues it, or
// drives it to failed_terminal once the attempt ceiling is reached.
package dispatch
