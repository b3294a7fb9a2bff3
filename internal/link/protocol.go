package link

import (
	"strconv"
	"strings"
)

// Terminator ends every frame in both directions.
const Terminator = ';'

// Wire messages exchanged with the controllers.
const (
	// OrderUnlock asks the controller to release its lock.
	OrderUnlock = "order:unlock"

	// OrderLock asks the controller to engage its lock.
	OrderLock = "order:lock"

	// OrderDenied tells the controller to signal a refused badge.
	OrderDenied = "order:denied"

	// ConfirmUnlock is the controller's acknowledgement of OrderUnlock.
	ConfirmUnlock = "confirm:unlock"

	// ConfirmLock is the controller's acknowledgement of OrderLock.
	ConfirmLock = "confirm:lock"

	// ConfirmReady is printed by a USB controller once its firmware booted.
	ConfirmReady = "confirm:ready"

	// PollNewRead asks a bus controller for a pending badge.
	PollNewRead = "ask_for_new"

	// NoNewRead is a bus controller's answer when no badge is pending.
	NoNewRead = "new_read:none"

	newReadPrefix = "new_read:"
)

// ParseNewRead extracts the key ID from a "new_read:<key_id>" message.
// Any other shape, an empty key and NoNewRead report false.
func ParseNewRead(msg string) (keyID string, ok bool) {
	keyID, found := strings.CutPrefix(strings.TrimSpace(msg), newReadPrefix)
	if !found {
		return "", false
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" || keyID == "none" || strings.ContainsRune(keyID, ':') {
		return "", false
	}
	return keyID, true
}

// NewRead formats the message a controller sends when a badge is presented.
func NewRead(keyID string) string {
	return newReadPrefix + keyID
}

// Encode appends the terminator to a message.
func Encode(msg string) []byte {
	b := make([]byte, 0, len(msg)+1)
	b = append(b, msg...)
	return append(b, Terminator)
}

// EncodeAddressed builds a bus frame "<id>:<payload>;".
func EncodeAddressed(id int, payload string) []byte {
	return Encode(strconv.Itoa(id) + ":" + payload)
}

// stripAddress removes a leading "<id>:" from a bus reply addressed to id.
func stripAddress(id int, reply string) string {
	if rest, ok := strings.CutPrefix(reply, strconv.Itoa(id)+":"); ok {
		return rest
	}
	return reply
}
