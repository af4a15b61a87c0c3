// Package store is the message store: the durable, single source of truth
// for message records and their delivery state.
//
// All mutation after creation goes through a single optimistic primitive,
// CompareAndSetState, so workers and the retry scheduler can race safely
// without external locks. A losing CAS is a benign race: the caller re-reads
// and moves on.
//
// Alongside each record the store maintains two derived indexes in the same
// atomic batch: a due index (due/{notBeforeMs}/{id}) that ListDue scans to
// rebuild the queue, and a state index (state/{state}/{id}) for listing and
// stats. Records are JSON-encoded.
package store
