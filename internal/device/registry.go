package device

import (
	"fmt"
	"sort"

	"github.com/nerrad567/okm-core/internal/infrastructure/config"
)

// Registry is the read-only catalogue of configured controllers.
//
// It is populated once at startup. Since devices are immutable for the
// process lifetime, lookups need no locking and are safe for concurrent use.
type Registry struct {
	byID    map[int]Device
	ordered []Device
}

// NewRegistry validates the given devices and builds a registry sorted by ID.
//
// Returns ErrInvalidDevice, ErrInvalidTransport or ErrDeviceExists on the
// first bad definition.
func NewRegistry(devices []Device) (*Registry, error) {
	r := &Registry{
		byID:    make(map[int]Device, len(devices)),
		ordered: make([]Device, 0, len(devices)),
	}

	for _, d := range devices {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.byID[d.ID]; exists {
			return nil, fmt.Errorf("%w: id %d", ErrDeviceExists, d.ID)
		}
		r.byID[d.ID] = d
		r.ordered = append(r.ordered, d)
	}

	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].ID < r.ordered[j].ID
	})
	return r, nil
}

// FromConfig builds a registry from the devices section of the configuration.
func FromConfig(entries []config.DeviceConfig) (*Registry, error) {
	devices := make([]Device, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, Device{
			ID:           e.ID,
			Label:        e.Label,
			Transport:    Transport(e.Transport),
			SerialNumber: e.SerialNumber,
			Baud:         e.Baud,
		})
	}
	return NewRegistry(devices)
}

// GetDevice returns the device with the given ID.
func (r *Registry) GetDevice(id int) (Device, error) {
	d, ok := r.byID[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: id %d", ErrDeviceNotFound, id)
	}
	return d, nil
}

// List returns all devices ordered by ID. The slice is a copy.
func (r *Registry) List() []Device {
	out := make([]Device, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IDs returns all device IDs in ascending order.
func (r *Registry) IDs() []int {
	ids := make([]int, len(r.ordered))
	for i, d := range r.ordered {
		ids[i] = d.ID
	}
	return ids
}

// ByTransport returns the devices using the given transport, ordered by ID.
func (r *Registry) ByTransport(t Transport) []Device {
	var out []Device
	for _, d := range r.ordered {
		if d.Transport == t {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of configured devices.
func (r *Registry) Len() int {
	return len(r.ordered)
}
