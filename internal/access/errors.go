package access

import "errors"

var (
	// ErrUnknownKey is returned when a key ID has never been registered.
	// It is distinct from a known key that lacks permission.
	ErrUnknownKey = errors.New("unknown key")

	// ErrKeyExists is returned when creating a key whose ID is taken.
	ErrKeyExists = errors.New("key already exists")

	// ErrInvalidKeyID is returned for empty or malformed key IDs.
	ErrInvalidKeyID = errors.New("invalid key id")

	// ErrInvalidLockState is returned for audit states outside
	// unlocked/locked/error.
	ErrInvalidLockState = errors.New("invalid lock state")

	// ErrInvalidDeviceID is returned for non-positive device IDs.
	ErrInvalidDeviceID = errors.New("invalid device id")
)
