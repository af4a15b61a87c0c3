package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable message identifier encoded as
// 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
type ID [16]byte

// Zero is the all-zero ID, never emitted by a Generator.
var Zero ID

// ErrInvalidID is returned by Parse for malformed input.
var ErrInvalidID = errors.New("id: invalid identifier")

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns the 32-character lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// IsZero reports whether i is the zero ID.
func (i ID) IsZero() bool { return i == Zero }

// TimeMs returns the creation timestamp component in Unix milliseconds.
func (i ID) TimeMs() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Compare returns -1, 0, 1 based on byte-wise comparison, which is also
// creation order.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler; IDs serialize as hex.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	if len(s) != 32 {
		return Zero, ErrInvalidID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, ErrInvalidID
	}
	var out ID
	copy(out[:], b)
	return out, nil
}

// FromBytes copies a raw 16-byte representation into an ID.
func FromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return Zero, ErrInvalidID
	}
	var out ID
	copy(out[:], b)
	return out, nil
}

// Generator mints monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch. Overridable in tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards, it keeps the last seen
// millisecond and increments the sequence. If the sequence overflows within
// one millisecond, it waits for the next millisecond.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeID(ms, g.sequence)
}

func makeID(ms int64, seq uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], seq)
	return id
}
