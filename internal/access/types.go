package access

import (
	"fmt"
	"strings"
	"time"
)

// LockState is the transition recorded by an audit entry.
type LockState string

// Audit states.
const (
	// LockStateUnlocked opens a session: the holder's badge released the lock.
	LockStateUnlocked LockState = "unlocked"

	// LockStateLocked closes a session normally.
	LockStateLocked LockState = "locked"

	// LockStateError closes a session that a crash interrupted. It is only
	// written by the recovery check.
	LockStateError LockState = "error"
)

// Valid reports whether s is one of the three audit states.
func (s LockState) Valid() bool {
	switch s {
	case LockStateUnlocked, LockStateLocked, LockStateError:
		return true
	}
	return false
}

// ClosesSession reports whether s ends an unlocked session.
func (s LockState) ClosesSession() bool {
	return s == LockStateLocked || s == LockStateError
}

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	DeviceID  int       `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	State     LockState `json:"lock_state"`
}

// Key is a registered badge and its owner.
type Key struct {
	KeyID     string    `json:"key_id"`
	Name      string    `json:"name"`
	Surname   string    `json:"surname"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns "Name Surname", or the key ID when both are empty.
func (k Key) DisplayName() string {
	name := strings.TrimSpace(k.Name + " " + k.Surname)
	if name == "" {
		return k.KeyID
	}
	return name
}

// AuditFilter controls which audit entries ListAudit returns.
type AuditFilter struct {
	KeyID    string // optional
	DeviceID int    // optional, 0 means all devices
	Limit    int    // default 50, max 200
	Offset   int
}

// AuditPage is a page of audit entries, newest first.
type AuditPage struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// maxKeyIDLength bounds key IDs. RFID UIDs are at most 10 bytes, so 20 hex
// characters; the margin covers reader-specific prefixes.
const maxKeyIDLength = 64

// ValidateKeyID checks a key ID as read from a controller or typed by an
// operator. The ':' and ';' characters would break the wire protocol.
func ValidateKeyID(keyID string) error {
	if keyID == "" || strings.TrimSpace(keyID) != keyID {
		return fmt.Errorf("%w: %q", ErrInvalidKeyID, keyID)
	}
	if len(keyID) > maxKeyIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidKeyID, maxKeyIDLength)
	}
	if strings.ContainsAny(keyID, ":;") {
		return fmt.Errorf("%w: %q contains a protocol separator", ErrInvalidKeyID, keyID)
	}
	return nil
}
