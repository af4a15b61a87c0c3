// Package id provides the 128-bit, lexicographically sortable message
// identifier used throughout courier.
//
// # Format
//
// An ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
// Byte-wise comparison preserves creation order, so the due index and the
// queue's FIFO ordering fall out of plain key comparison. IDs minted within
// the same millisecond remain strictly increasing by sequence, and a given
// (timestamp, sequence) pair is never emitted twice by a Generator.
//
// # Monotonicity
//
// The Generator guarantees per-process monotonicity:
//   - If the system clock regresses, it pins to the last seen millisecond and
//     keeps incrementing the sequence rather than going backwards.
//   - If the sequence would overflow within a millisecond, it waits for the
//     next millisecond before emitting the next ID.
//
// Usage
//
//	g := id.NewGenerator()
//	msgID := g.Next()
//	s := msgID.String()          // hex, stable external form
//	back, err := id.Parse(s)     // round-trips
package id
