// Package queue is the in-memory ordering layer between the message store
// and the delivery workers.
//
// The manager holds derived state only: entries are rebuilt from the store's
// due scan at startup and on reconcile ticks, so nothing here needs to
// survive a restart. Ordering is FIFO by message ID (IDs sort by creation
// time), with two scheduling carve-outs: entries whose eligible time is in
// the future are skipped, and a recipient already at its in-flight cap is
// passed over so one busy destination cannot stall unrelated traffic.
package queue
