package store

import (
	"encoding/binary"

	"github.com/courierkit/courier/pkg/id"
)

// Key prefixes for store data structures.
const (
	prefixMsg   = "msg/"   // message records, JSON
	prefixDue   = "due/"   // due index: due/{notBeforeMs:8BE}{id:16}
	prefixState = "state/" // state index: state/{state}/{id:16}
)

// msgKey returns the record key for a message.
func msgKey(mid id.ID) []byte {
	k := make([]byte, 0, len(prefixMsg)+16)
	k = append(k, prefixMsg...)
	k = append(k, mid[:]...)
	return k
}

// dueKey returns the due index key. The 8-byte big-endian timestamp makes a
// plain prefix scan yield entries in eligibility order, ties broken by ID
// (creation order).
func dueKey(notBeforeMs int64, mid id.ID) []byte {
	k := make([]byte, len(prefixDue)+8+16)
	copy(k, prefixDue)
	binary.BigEndian.PutUint64(k[len(prefixDue):], uint64(notBeforeMs))
	copy(k[len(prefixDue)+8:], mid[:])
	return k
}

// duePrefix returns the scan prefix for the due index.
func duePrefix() []byte { return []byte(prefixDue) }

// parseDueKey extracts the timestamp and ID from a due index key.
func parseDueKey(k []byte) (notBeforeMs int64, mid id.ID, ok bool) {
	if len(k) != len(prefixDue)+8+16 {
		return 0, id.Zero, false
	}
	notBeforeMs = int64(binary.BigEndian.Uint64(k[len(prefixDue):]))
	copy(mid[:], k[len(prefixDue)+8:])
	return notBeforeMs, mid, true
}

// stateKey returns the state index key for a message.
func stateKey(s State, mid id.ID) []byte {
	prefix := prefixState + string(s) + "/"
	k := make([]byte, 0, len(prefix)+16)
	k = append(k, prefix...)
	k = append(k, mid[:]...)
	return k
}

// statePrefix returns the scan prefix for one state's index.
func statePrefix(s State) []byte { return []byte(prefixState + string(s) + "/") }
