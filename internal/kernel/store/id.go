package store

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// NewID returns an opaque, lexicographically sortable 128-bit identifier
// prefixed with kind (e.g. "task", "wi", "plan"). The first 48 bits are a
// millisecond timestamp so IDs for rows created later sort after ones
// created earlier even across processes, matching how the store's callers
// expect task_id/work_item_id/plan_id ordering to double as creation
// ordering without a second index.
func NewID(kind string) string {
	var buf [16]byte
	ms := uint64(time.Now().UTC().UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)
	if _, err := rand.Read(buf[6:]); err != nil {
		// crypto/rand failing means the platform RNG is broken; fall back
		// to a time-derived value rather than returning a degenerate ID.
		binary.BigEndian.PutUint64(buf[6:14], uint64(time.Now().UnixNano()))
	}
	return fmt.Sprintf("%s_%x", kind, buf)
}

// Now returns the current UTC time formatted the way every timestamp
// column in the kernel schema expects it: RFC3339 with nanosecond
// precision, so that string comparison and chronological comparison
// agree.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
