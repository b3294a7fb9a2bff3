package crawler

import (
	"sort"
	"sync"
	"time"
)

// Holder describes who has a device unlocked. The zero value means the
// device is locked.
type Holder struct {
	KeyID string    `json:"key_id,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// Locked reports whether nobody holds the device.
func (h Holder) Locked() bool {
	return h.KeyID == ""
}

// StateOwner is the single source of truth for device holders and the
// unknown-key notification slot.
//
// Both live behind one mutex. The crawler writes through CompareAndSet;
// observers read copies through Snapshot and DrainUnknownKey.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type StateOwner struct {
	mu      sync.Mutex
	devices []int
	holders map[int]Holder

	unknownKey string
	hasUnknown bool
}

// NewStateOwner starts every device in the locked state.
func NewStateOwner(deviceIDs []int) *StateOwner {
	ids := make([]int, len(deviceIDs))
	copy(ids, deviceIDs)
	sort.Ints(ids)

	return &StateOwner{
		devices: ids,
		holders: make(map[int]Holder, len(ids)),
	}
}

// Devices returns the configured device IDs in ascending order.
func (s *StateOwner) Devices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.devices))
	copy(out, s.devices)
	return out
}

// Snapshot returns a copy of every device's holder. Locked devices map to
// the zero Holder.
func (s *StateOwner) Snapshot() map[int]Holder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]Holder, len(s.devices))
	for _, id := range s.devices {
		out[id] = s.holders[id]
	}
	return out
}

// Holder returns the current holder of a device. The second result is
// false for a device that is not configured.
func (s *StateOwner) Holder(deviceID int) (Holder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.knownLocked(deviceID) {
		return Holder{}, false
	}
	return s.holders[deviceID], true
}

// CompareAndSet moves a device from expected to next holder, where "" means
// locked. It fails when the device is unknown or its holder is not
// expected, so two keys can never hold the same device.
func (s *StateOwner) CompareAndSet(deviceID int, expected, next string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.knownLocked(deviceID) || s.holders[deviceID].KeyID != expected {
		return false
	}
	if next == "" {
		delete(s.holders, deviceID)
	} else {
		s.holders[deviceID] = Holder{KeyID: next, Since: at}
	}
	return true
}

// ForceLocked resets a device to locked regardless of its holder.
// It reports whether the device was held.
func (s *StateOwner) ForceLocked(deviceID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, held := s.holders[deviceID]
	delete(s.holders, deviceID)
	return held
}

// SetUnknownKey records the most recent unrecognised badge, replacing any
// earlier one that was not drained yet.
func (s *StateOwner) SetUnknownKey(keyID string) {
	s.mu.Lock()
	s.unknownKey = keyID
	s.hasUnknown = true
	s.mu.Unlock()
}

// DrainUnknownKey returns and clears the unknown-key slot.
func (s *StateOwner) DrainUnknownKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasUnknown {
		return "", false
	}
	k := s.unknownKey
	s.unknownKey = ""
	s.hasUnknown = false
	return k, true
}

// knownLocked must be called with mu held.
func (s *StateOwner) knownLocked(deviceID int) bool {
	i := sort.SearchInts(s.devices, deviceID)
	return i < len(s.devices) && s.devices[i] == deviceID
}
