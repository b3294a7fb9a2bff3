package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/okm-core/internal/access"
	"github.com/nerrad567/okm-core/internal/link"
)

// Crawler defaults.
const (
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultConfirmTimeout = 2 * time.Second

	// DefaultStoreTimeout bounds each permission lookup and audit append.
	DefaultStoreTimeout = 5 * time.Second
)

// Store is the part of the permission store the crawler uses.
type Store interface {
	LookupPermission(ctx context.Context, keyID string, deviceID int) (bool, error)
	AppendAudit(ctx context.Context, keyID string, deviceID int, ts time.Time, state access.LockState) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Crawler.
type Options struct {
	// Links is one link per configured device. Required.
	Links []link.DeviceLink

	// Store answers permission lookups and records audit entries. Required.
	Store Store

	// State holds device holders. Created from the link IDs when nil; pass
	// the one the recovery check already reset.
	State *StateOwner

	Logger   Logger
	Observer Observer

	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	StoreTimeout   time.Duration

	// Now returns the audit timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Stats holds operational counters.
type Stats struct {
	Running       bool   `json:"running"`
	Sweeps        uint64 `json:"sweeps"`
	Badges        uint64 `json:"badges"`
	Unlocks       uint64 `json:"unlocks"`
	Locks         uint64 `json:"locks"`
	Denials       uint64 `json:"denials"`
	UnknownKeys   uint64 `json:"unknown_keys"`
	Timeouts      uint64 `json:"timeouts"`
	StoreFailures uint64 `json:"store_failures"`
}

// Crawler polls every controller, decides on each badge and drives the
// lock through the order/confirm handshake.
//
// A process runs exactly one Crawler: it owns the links passed to it and
// stops them on Stop. It is constructed explicitly and handed to whatever
// needs to observe it.
//
// Thread Safety:
//   - Start, Stop, Sweep and Stats are safe for concurrent use. Sweeps are
//     serialised, so a device is never handled by two goroutines at once.
type Crawler struct {
	links    []link.DeviceLink
	store    Store
	state    *StateOwner
	log      Logger
	observer Observer
	now      func() time.Time

	pollInterval   time.Duration
	confirmTimeout time.Duration
	storeTimeout   time.Duration

	sweepMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool
	stopErr   error

	sweeps        atomic.Uint64
	badges        atomic.Uint64
	unlocks       atomic.Uint64
	locks         atomic.Uint64
	denials       atomic.Uint64
	unknownKeys   atomic.Uint64
	timeouts      atomic.Uint64
	storeFailures atomic.Uint64
}

// New validates the options and builds a stopped crawler.
func New(opts Options) (*Crawler, error) {
	if len(opts.Links) == 0 {
		return nil, ErrNoLinks
	}
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	ids := make([]int, 0, len(opts.Links))
	seen := make(map[int]bool, len(opts.Links))
	for _, l := range opts.Links {
		if seen[l.ID()] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateDevice, l.ID())
		}
		seen[l.ID()] = true
		ids = append(ids, l.ID())
	}

	if opts.State == nil {
		opts.State = NewStateOwner(ids)
	}
	if missing := missingDevices(opts.State, ids); len(missing) > 0 {
		return nil, fmt.Errorf("%w: no state for devices %v", ErrStateMismatch, missing)
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Observer == nil {
		opts.Observer = MultiObserver(nil)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Crawler{
		links:          opts.Links,
		store:          opts.Store,
		state:          opts.State,
		log:            opts.Logger,
		observer:       opts.Observer,
		now:            opts.Now,
		pollInterval:   opts.PollInterval,
		confirmTimeout: opts.ConfirmTimeout,
		storeTimeout:   opts.StoreTimeout,
		stopCh:         make(chan struct{}),
	}, nil
}

// State returns the state owner shared with observers.
func (c *Crawler) State() *StateOwner {
	return c.state
}

// Start launches the poll loop. The loop ends when ctx is cancelled or Stop
// is called. Calling Start again, or after Stop, returns an error.
func (c *Crawler) Start(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		err = nil
		c.running.Store(true)
		c.wg.Add(1)
		go c.run(ctx)
		c.log.Info("crawler started",
			"devices", len(c.links),
			"poll_interval", c.pollInterval,
			"confirm_timeout", c.confirmTimeout,
		)
	})
	return err
}

// Stop ends the poll loop after the current sweep, including any
// confirmation it is waiting for, then stops every link.
func (c *Crawler) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()

		// A Sweep called directly may still be in flight.
		c.sweepMu.Lock()
		c.stopErr = link.StopAll(c.links)
		c.sweepMu.Unlock()

		c.running.Store(false)
		c.log.Info("crawler stopped")
	})
	return c.stopErr
}

// Stats returns a snapshot of the crawler counters.
func (c *Crawler) Stats() Stats {
	return Stats{
		Running:       c.running.Load(),
		Sweeps:        c.sweeps.Load(),
		Badges:        c.badges.Load(),
		Unlocks:       c.unlocks.Load(),
		Locks:         c.locks.Load(),
		Denials:       c.denials.Load(),
		UnknownKeys:   c.unknownKeys.Load(),
		Timeouts:      c.timeouts.Load(),
		StoreFailures: c.storeFailures.Load(),
	}
}

func (c *Crawler) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.running.Store(false)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-timer.C:
		}

		c.Sweep(ctx)
		timer.Reset(c.pollInterval)
	}
}

// Sweep reads once from every device and handles what arrived. A stop
// request is honoured between devices, never during a handshake.
func (c *Crawler) Sweep(ctx context.Context) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	c.sweeps.Add(1)
	for _, l := range c.links {
		if c.stopping() {
			return
		}
		msg, ok := l.Recv()
		if !ok {
			continue
		}
		c.handle(ctx, l, msg)
	}
}

func (c *Crawler) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// handle applies the lock state machine to one inbound message.
func (c *Crawler) handle(ctx context.Context, l link.DeviceLink, msg string) {
	id := l.ID()
	keyID, ok := link.ParseNewRead(msg)
	if !ok {
		c.log.Debug("ignoring message", "device_id", id, "message", msg)
		return
	}
	c.badges.Add(1)

	allowed, err := c.lookup(ctx, keyID, id)
	switch {
	case errors.Is(err, access.ErrUnknownKey):
		c.unknownKeys.Add(1)
		c.state.SetUnknownKey(keyID)
		c.sendDenied(l, keyID)
		c.log.Info("unknown key", "device_id", id, "key_id", keyID)
		c.notify(EventUnknownKey, id, keyID, ReasonUnknownKey, 0)
		return

	case err != nil:
		// Never authorise by default.
		c.storeFailures.Add(1)
		c.log.Error("permission lookup failed, denying", "device_id", id, "key_id", keyID, "error", err)
		c.notify(EventStoreFailure, id, keyID, "lookup", 0)
		c.deny(l, keyID, ReasonStoreUnavailable)
		return

	case !allowed:
		c.deny(l, keyID, ReasonNoPermission)
		return
	}

	holder, known := c.state.Holder(id)
	if !known {
		c.log.Error("no state for device, denying", "device_id", id, "key_id", keyID)
		c.deny(l, keyID, ReasonUnknownDevice)
		return
	}
	switch holder.KeyID {
	case "":
		c.unlock(ctx, l, keyID)
	case keyID:
		c.lock(ctx, l, keyID, holder.Since)
	default:
		c.log.Debug("device held by another key", "device_id", id, "holder", holder.KeyID)
		c.deny(l, keyID, ReasonInUse)
	}
}

// unlock drives Locked -> HeldBy(keyID).
func (c *Crawler) unlock(ctx context.Context, l link.DeviceLink, keyID string) {
	id := l.ID()
	if !c.order(l, link.OrderUnlock, link.ConfirmUnlock) {
		c.timeouts.Add(1)
		c.log.Warn("unlock not confirmed, relocking", "device_id", id, "key_id", keyID, "timeout", c.confirmTimeout)
		c.corrective(l, link.OrderLock)
		c.notify(EventTimeout, id, keyID, link.OrderUnlock, 0)
		return
	}

	now := c.now()
	if err := c.appendAudit(ctx, keyID, id, now, access.LockStateUnlocked); err != nil {
		// The session cannot be billed, so it does not start.
		c.storeFailures.Add(1)
		c.log.Error("audit append failed after unlock, relocking", "device_id", id, "key_id", keyID, "error", err)
		c.corrective(l, link.OrderLock)
		c.notifyAt(EventStoreFailure, id, keyID, "audit", 0, now)
		return
	}

	if !c.state.CompareAndSet(id, "", keyID, now) {
		// The session never started: close the row just written and make
		// the lock agree with the state.
		c.log.Error("device state changed during unlock", "device_id", id, "key_id", keyID)
		c.matchState(l)
		if err := c.appendAudit(ctx, keyID, id, now, access.LockStateError); err != nil {
			c.storeFailures.Add(1)
			c.log.Error("closing aborted session failed", "device_id", id, "key_id", keyID, "error", err)
		}
		c.notifyAt(EventStoreFailure, id, keyID, "state", 0, now)
		return
	}
	c.unlocks.Add(1)
	c.log.Info("device unlocked", "device_id", id, "key_id", keyID)
	c.notifyAt(EventUnlocked, id, keyID, "", 0, now)
}

// lock drives HeldBy(keyID) -> Locked.
func (c *Crawler) lock(ctx context.Context, l link.DeviceLink, keyID string, since time.Time) {
	id := l.ID()
	if !c.order(l, link.OrderLock, link.ConfirmLock) {
		c.timeouts.Add(1)
		c.log.Warn("lock not confirmed, reopening", "device_id", id, "key_id", keyID, "timeout", c.confirmTimeout)
		c.corrective(l, link.OrderUnlock)
		c.notify(EventTimeout, id, keyID, link.OrderLock, 0)
		return
	}

	now := c.now()
	if err := c.appendAudit(ctx, keyID, id, now, access.LockStateLocked); err != nil {
		// The session stays open in memory and in the log; reopen the lock
		// so the hardware agrees with both.
		c.storeFailures.Add(1)
		c.log.Error("audit append failed after lock, reopening", "device_id", id, "key_id", keyID, "error", err)
		c.corrective(l, link.OrderUnlock)
		c.notifyAt(EventStoreFailure, id, keyID, "audit", 0, now)
		return
	}

	if !c.state.CompareAndSet(id, keyID, "", now) {
		c.log.Error("device state changed during lock", "device_id", id, "key_id", keyID)
		c.matchState(l)
		c.notifyAt(EventStoreFailure, id, keyID, "state", 0, now)
		return
	}

	var session time.Duration
	if !since.IsZero() {
		session = now.Sub(since)
	}
	c.locks.Add(1)
	c.log.Info("device locked", "device_id", id, "key_id", keyID, "session", session)
	c.notifyAt(EventLocked, id, keyID, "", session, now)
}

// order sends an order and waits for its confirmation.
func (c *Crawler) order(l link.DeviceLink, order, confirmation string) bool {
	if err := l.Send(order); err != nil {
		c.log.Warn("sending order failed", "device_id", l.ID(), "order", order, "error", err)
		return false
	}

	ok, discarded := AwaitConfirmation(l, confirmation, c.confirmTimeout)
	for _, msg := range discarded {
		c.log.Debug("discarded message while awaiting confirmation",
			"device_id", l.ID(), "expected", confirmation, "message", msg)
	}
	return ok
}

// corrective sends exactly one order to restore a known state. Its
// confirmation is not awaited; a late reply is ignored by the next sweep.
func (c *Crawler) corrective(l link.DeviceLink, order string) {
	if err := l.Send(order); err != nil {
		c.log.Error("corrective order failed", "device_id", l.ID(), "order", order, "error", err)
	}
}

// matchState sends the order that brings the controller in line with the
// state owner after a lost compare-and-set.
func (c *Crawler) matchState(l link.DeviceLink) {
	if h, _ := c.state.Holder(l.ID()); h.Locked() {
		c.corrective(l, link.OrderLock)
		return
	}
	c.corrective(l, link.OrderUnlock)
}

func (c *Crawler) deny(l link.DeviceLink, keyID, reason string) {
	c.denials.Add(1)
	c.sendDenied(l, keyID)
	c.log.Info("badge denied", "device_id", l.ID(), "key_id", keyID, "reason", reason)
	c.notify(EventDenied, l.ID(), keyID, reason, 0)
}

func (c *Crawler) sendDenied(l link.DeviceLink, keyID string) {
	if err := l.Send(link.OrderDenied); err != nil {
		c.log.Warn("sending denial failed", "device_id", l.ID(), "key_id", keyID, "error", err)
	}
}

// lookup and appendAudit detach from ctx so shutdown does not cut a store
// call short in the middle of a handshake.
func (c *Crawler) lookup(ctx context.Context, keyID string, deviceID int) (bool, error) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()
	return c.store.LookupPermission(storeCtx, keyID, deviceID)
}

func (c *Crawler) appendAudit(ctx context.Context, keyID string, deviceID int, ts time.Time, state access.LockState) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()
	return c.store.AppendAudit(storeCtx, keyID, deviceID, ts, state)
}

func (c *Crawler) notify(t EventType, deviceID int, keyID, reason string, d time.Duration) {
	c.notifyAt(t, deviceID, keyID, reason, d, c.now())
}

// notifyAt stamps the event with at, the time already written to the audit
// log for confirmed transitions.
func (c *Crawler) notifyAt(t EventType, deviceID int, keyID, reason string, d time.Duration, at time.Time) {
	c.observer.Notify(Event{
		Type:     t,
		DeviceID: deviceID,
		KeyID:    keyID,
		Reason:   reason,
		Duration: d,
		Time:     at,
	})
}

// missingDevices lists link IDs the state owner does not track.
func missingDevices(state *StateOwner, ids []int) []int {
	tracked := make(map[int]bool)
	for _, id := range state.Devices() {
		tracked[id] = true
	}
	var missing []int
	for _, id := range ids {
		if !tracked[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
