// Package notify fans out message status events to subscribed originators.
//
// Workers and the retry scheduler publish every state transition here. The
// handoff is a buffered channel drained by a single dispatcher goroutine, so
// a slow subscriber can never stall delivery throughput. Delivery of events
// is best-effort: a full buffer drops, and subscribers must treat events as
// a hint, polling the store for ground truth.
package notify
