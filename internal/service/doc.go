// Package service is the ingest boundary: it validates and accepts outbound
// messages, hands them to the queue, and answers status and stats queries.
// It owns no state of its own; the store is the ground truth.
package service
