package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// CreateLeaseHandle returns a fresh receipt for one lease on messageID. Every
// fetch of the same message yields a different handle, so a stale holder
// cannot delete a message that was re-leased to someone else.
func CreateLeaseHandle(messageID string) string {
	return messageID + "." + CreateULID()
}

// LeaseOwner returns the message id a handle was issued for.
func LeaseOwner(handle string) string {
	for i := len(handle) - 1; i >= 0; i-- {
		if handle[i] == '.' {
			return handle[:i]
		}
	}
	return ""
}
