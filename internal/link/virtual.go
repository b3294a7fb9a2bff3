package link

import "sync"

// Ensure VirtualLink implements DeviceLink.
var _ DeviceLink = (*VirtualLink)(nil)

// VirtualLink is an in-memory controller.
//
// Badge queues a new_read message as if a card was presented. Orders are
// recorded, and with auto-confirm on (the default) unlock and lock orders
// are answered with the matching confirmation. Turning auto-confirm off
// simulates a controller that never answers.
type VirtualLink struct {
	id int

	mu          sync.Mutex
	inbound     []string
	orders      []string
	open        bool
	autoConfirm bool
	stopped     bool
}

// NewVirtualLink returns a locked, auto-confirming controller.
func NewVirtualLink(id int) *VirtualLink {
	return &VirtualLink{id: id, autoConfirm: true}
}

// ID implements DeviceLink.
func (v *VirtualLink) ID() int {
	return v.id
}

// Send records an order and, with auto-confirm on, queues the controller's
// acknowledgement.
func (v *VirtualLink) Send(order string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stopped {
		return ErrStopped
	}
	v.orders = append(v.orders, order)

	switch order {
	case OrderUnlock:
		v.open = true
		if v.autoConfirm {
			v.inbound = append(v.inbound, ConfirmUnlock)
		}
	case OrderLock:
		v.open = false
		if v.autoConfirm {
			v.inbound = append(v.inbound, ConfirmLock)
		}
	}
	return nil
}

// Recv implements DeviceLink.
func (v *VirtualLink) Recv() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stopped || len(v.inbound) == 0 {
		return "", false
	}
	msg := v.inbound[0]
	v.inbound = v.inbound[1:]
	return msg, true
}

// Stop implements DeviceLink.
func (v *VirtualLink) Stop() error {
	v.mu.Lock()
	v.stopped = true
	v.inbound = nil
	v.mu.Unlock()
	return nil
}

// Badge simulates a card being presented.
func (v *VirtualLink) Badge(keyID string) {
	v.Push(NewRead(keyID))
}

// Push queues an arbitrary inbound message.
func (v *VirtualLink) Push(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.stopped {
		v.inbound = append(v.inbound, msg)
	}
}

// SetAutoConfirm switches the automatic confirmations on or off.
func (v *VirtualLink) SetAutoConfirm(on bool) {
	v.mu.Lock()
	v.autoConfirm = on
	v.mu.Unlock()
}

// Orders returns a copy of every order received so far.
func (v *VirtualLink) Orders() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.orders))
	copy(out, v.orders)
	return out
}

// IsOpen reports whether the last lock order left the lock released.
func (v *VirtualLink) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

// Stopped reports whether Stop was called.
func (v *VirtualLink) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}
