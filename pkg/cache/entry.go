// Package cache provides the response cache for the calculator proxy:
// a keyed store of response frames with TTL-based freshness.
package cache

import (
	"time"

	"github.com/calcproxy/calcproxy/pkg/protocol"
)

// Entry is one cached response. Entries are immutable once stored;
// overwriting a key replaces the whole entry.
type Entry struct {
	// Response is the stored response frame, including its original
	// status, flags, and cache control.
	Response *protocol.Frame `json:"response"`

	// StoredAt is the local wall-clock time of insertion.
	StoredAt time.Time `json:"stored_at"`

	// TTL is the server-granted lifetime in seconds, copied from the
	// response's cache control field at insertion time. A TTL of 0 is
	// how a server signals "do not cache": the entry is recorded for
	// statistics but never fresh.
	TTL uint16 `json:"ttl"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Fresh reports whether the entry is within its TTL window at the
// given time. A TTL of 0 is always stale.
func (e *Entry) Fresh(now time.Time) bool {
	if e.TTL == 0 {
		return false
	}
	return e.Age(now) < time.Duration(e.TTL)*time.Second
}
