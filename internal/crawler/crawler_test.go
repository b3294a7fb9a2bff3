package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/okm-core/internal/access"
	"github.com/nerrad567/okm-core/internal/link"
)

// memStore is an in-memory permission store with call recording.
type memStore struct {
	mu        sync.Mutex
	keys      map[string]bool
	perms     map[string]map[int]bool
	audit     []access.AuditEntry
	lookupErr error
	appendErr error
	lookups   int
}

func newMemStore() *memStore {
	return &memStore{keys: make(map[string]bool), perms: make(map[string]map[int]bool)}
}

func (m *memStore) grant(keyID string, devices ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[keyID] = true
	if m.perms[keyID] == nil {
		m.perms[keyID] = make(map[int]bool)
	}
	for _, d := range devices {
		m.perms[keyID][d] = true
	}
}

func (m *memStore) LookupPermission(_ context.Context, keyID string, deviceID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.lookupErr != nil {
		return false, m.lookupErr
	}
	if !m.keys[keyID] {
		return false, fmt.Errorf("%w: %s", access.ErrUnknownKey, keyID)
	}
	return m.perms[keyID][deviceID], nil
}

func (m *memStore) AppendAudit(_ context.Context, keyID string, deviceID int, ts time.Time, state access.LockState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.audit = append(m.audit, access.AuditEntry{
		ID:        fmt.Sprintf("aud-%d", len(m.audit)+1),
		KeyID:     keyID,
		DeviceID:  deviceID,
		Timestamp: ts,
		State:     state,
	})
	return nil
}

func (m *memStore) entries() []access.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]access.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *memStore) setAppendErr(err error) {
	m.mu.Lock()
	m.appendErr = err
	m.mu.Unlock()
}

// eventRecorder collects observer events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) last(t *testing.T) Event {
	t.Helper()
	ev := r.Events()
	if len(ev) == 0 {
		t.Fatal("no events recorded")
	}
	return ev[len(ev)-1]
}

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type harness struct {
	crawler *Crawler
	store   *memStore
	links   map[int]*link.VirtualLink
	events  *eventRecorder
}

func newHarness(t *testing.T, deviceIDs ...int) *harness {
	t.Helper()
	h := &harness{
		store:  newMemStore(),
		links:  make(map[int]*link.VirtualLink),
		events: &eventRecorder{},
	}
	var links []link.DeviceLink
	for _, id := range deviceIDs {
		v := link.NewVirtualLink(id)
		h.links[id] = v
		links = append(links, v)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Minute}
	c, err := New(Options{
		Links:          links,
		Store:          h.store,
		Observer:       h.events,
		PollInterval:   5 * time.Millisecond,
		ConfirmTimeout: 30 * time.Millisecond,
		Now:            clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.crawler = c
	t.Cleanup(func() { c.Stop() })
	return h
}

func (h *harness) badge(id int, keyID string) {
	h.links[id].Badge(keyID)
	h.crawler.Sweep(context.Background())
}

func (h *harness) holder(t *testing.T, id int) string {
	t.Helper()
	hd, ok := h.crawler.State().Holder(id)
	if !ok {
		t.Fatalf("device %d unknown", id)
	}
	return hd.KeyID
}

func assertOrders(t *testing.T, v *link.VirtualLink, want ...string) {
	t.Helper()
	got := v.Orders()
	if len(got) != len(want) {
		t.Fatalf("orders = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("orders = %v, want %v", got, want)
		}
	}
}

func TestCrawler_UnlockThenLock(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)

	h.badge(10, "K1")
	assertOrders(t, h.links[10], link.OrderUnlock)
	if got := h.holder(t, 10); got != "K1" {
		t.Fatalf("holder = %q, want K1", got)
	}
	entries := h.store.entries()
	if len(entries) != 1 || entries[0].State != access.LockStateUnlocked || entries[0].KeyID != "K1" || entries[0].DeviceID != 10 {
		t.Fatalf("audit = %+v, want one unlocked row for K1 on 10", entries)
	}
	if ev := h.events.last(t); ev.Type != EventUnlocked || ev.KeyID != "K1" {
		t.Errorf("event = %+v, want unlocked", ev)
	}

	h.badge(10, "K1")
	assertOrders(t, h.links[10], link.OrderUnlock, link.OrderLock)
	if got := h.holder(t, 10); got != "" {
		t.Fatalf("holder = %q, want locked", got)
	}
	entries = h.store.entries()
	if len(entries) != 2 || entries[1].State != access.LockStateLocked {
		t.Fatalf("audit = %+v, want a second locked row", entries)
	}

	ev := h.events.last(t)
	if ev.Type != EventLocked {
		t.Fatalf("event = %+v, want locked", ev)
	}
	if ev.Duration <= 0 {
		t.Errorf("session duration = %v, want positive", ev.Duration)
	}
	if h.links[10].IsOpen() {
		t.Error("controller left open")
	}

	s := h.crawler.Stats()
	if s.Unlocks != 1 || s.Locks != 1 || s.Badges != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestCrawler_DeniedWithoutPermission(t *testing.T) {
	h := newHarness(t, 10, 20)
	h.store.grant("K1", 20)

	h.badge(10, "K1")

	assertOrders(t, h.links[10], link.OrderDenied)
	if got := h.holder(t, 10); got != "" {
		t.Errorf("holder = %q, want locked", got)
	}
	if n := len(h.store.entries()); n != 0 {
		t.Errorf("audit rows = %d, want 0", n)
	}
	if _, ok := h.crawler.State().DrainUnknownKey(); ok {
		t.Error("known key reported as unknown")
	}
	ev := h.events.last(t)
	if ev.Type != EventDenied || ev.Reason != ReasonNoPermission {
		t.Errorf("event = %+v, want denied/no_permission", ev)
	}
}

func TestCrawler_UnknownKey(t *testing.T) {
	h := newHarness(t, 10)

	h.badge(10, "STRANGER")

	assertOrders(t, h.links[10], link.OrderDenied)
	k, ok := h.crawler.State().DrainUnknownKey()
	if !ok || k != "STRANGER" {
		t.Fatalf("DrainUnknownKey() = (%q, %v), want STRANGER", k, ok)
	}
	if _, ok := h.crawler.State().DrainUnknownKey(); ok {
		t.Error("unknown-key slot not cleared by drain")
	}
	if n := len(h.store.entries()); n != 0 {
		t.Errorf("audit rows = %d, want 0", n)
	}
	if ev := h.events.last(t); ev.Type != EventUnknownKey {
		t.Errorf("event = %+v, want unknown_key", ev)
	}
}

func TestCrawler_HeldByOtherKey(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)
	h.store.grant("K2", 10)

	h.badge(10, "K1")
	h.badge(10, "K2")

	assertOrders(t, h.links[10], link.OrderUnlock, link.OrderDenied)
	if got := h.holder(t, 10); got != "K1" {
		t.Errorf("holder = %q, want K1", got)
	}
	if n := len(h.store.entries()); n != 1 {
		t.Errorf("audit rows = %d, want 1", n)
	}
	if ev := h.events.last(t); ev.Reason != ReasonInUse {
		t.Errorf("event = %+v, want in_use denial", ev)
	}
}

func TestCrawler_UnlockTimeout(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)
	h.links[10].SetAutoConfirm(false)

	start := time.Now()
	h.badge(10, "K1")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sweep took %v with a 30ms confirmation timeout", elapsed)
	}

	// Exactly one corrective lock.
	assertOrders(t, h.links[10], link.OrderUnlock, link.OrderLock)
	if got := h.holder(t, 10); got != "" {
		t.Errorf("holder = %q, want locked", got)
	}
	if n := len(h.store.entries()); n != 0 {
		t.Errorf("audit rows = %d, want 0", n)
	}
	ev := h.events.last(t)
	if ev.Type != EventTimeout || ev.Reason != link.OrderUnlock {
		t.Errorf("event = %+v, want timeout for unlock", ev)
	}
	if h.crawler.Stats().Timeouts != 1 {
		t.Errorf("Stats().Timeouts = %d, want 1", h.crawler.Stats().Timeouts)
	}
}

func TestCrawler_LockTimeout(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)

	h.badge(10, "K1")
	h.links[10].SetAutoConfirm(false)
	h.badge(10, "K1")

	assertOrders(t, h.links[10], link.OrderUnlock, link.OrderLock, link.OrderUnlock)
	if got := h.holder(t, 10); got != "K1" {
		t.Errorf("holder = %q, want K1", got)
	}
	if n := len(h.store.entries()); n != 1 {
		t.Errorf("audit rows = %d, want 1", n)
	}
}

func TestCrawler_LookupFailureDenies(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)
	h.store.lookupErr = errors.New("database is locked")

	h.badge(10, "K1")

	assertOrders(t, h.links[10], link.OrderDenied)
	if got := h.holder(t, 10); got != "" {
		t.Errorf("holder = %q, want locked", got)
	}
	if _, ok := h.crawler.State().DrainUnknownKey(); ok {
		t.Error("store failure reported as unknown key")
	}
	if s := h.crawler.Stats(); s.StoreFailures != 1 || s.Denials != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestCrawler_AuditFailureAfterUnlock(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)
	h.store.setAppendErr(errors.New("disk I/O error"))

	h.badge(10, "K1")

	assertOrders(t, h.links[10], link.OrderUnlock, link.OrderLock)
	if got := h.holder(t, 10); got != "" {
		t.Errorf("holder = %q, want locked", got)
	}
	if h.links[10].IsOpen() {
		t.Error("controller left open without an audit row")
	}
}

func TestCrawler_AuditFailureAfterLock(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)

	h.badge(10, "K1")
	h.store.setAppendErr(errors.New("disk I/O error"))
	h.badge(10, "K1")

	assertOrders(t, h.links[10], link.OrderUnlock, link.OrderLock, link.OrderUnlock)
	if got := h.holder(t, 10); got != "K1" {
		t.Errorf("holder = %q, want K1", got)
	}
	if n := len(h.store.entries()); n != 1 {
		t.Errorf("audit rows = %d, want 1", n)
	}
}

func TestCrawler_IgnoresOtherMessages(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)

	for _, msg := range []string{"garbage", link.ConfirmLock, "new_read:", link.NoNewRead, link.ConfirmReady} {
		h.links[10].Push(msg)
		h.crawler.Sweep(context.Background())
	}

	assertOrders(t, h.links[10])
	if h.store.lookups != 0 {
		t.Errorf("store consulted %d times for non-badge traffic", h.store.lookups)
	}
}

func TestCrawler_DevicesAreIndependent(t *testing.T) {
	h := newHarness(t, 10, 20)
	h.store.grant("K1", 10, 20)

	h.links[10].Badge("K1")
	h.links[20].Badge("K1")
	h.crawler.Sweep(context.Background())

	if h.holder(t, 10) != "K1" || h.holder(t, 20) != "K1" {
		t.Errorf("snapshot = %+v, want K1 on both", h.crawler.State().Snapshot())
	}
}

type auditPair struct {
	key    string
	device int
}

// The audit log for every (key, device) pair alternates unlocked/locked,
// and the in-memory holder always matches the one open session per device,
// whatever the badge order.
func TestCrawler_AlternationAndSingleHolder(t *testing.T) {
	h := newHarness(t, 10, 20)
	h.store.grant("K1", 10, 20)
	h.store.grant("K2", 10)
	h.store.grant("K3", 20)

	script := []struct {
		device int
		key    string
		silent bool
	}{
		{10, "K1", false}, {10, "K2", false}, {20, "K3", false}, {10, "K1", true},
		{10, "K1", false}, {10, "K2", false}, {20, "K1", false}, {20, "K3", true},
		{20, "K3", false}, {20, "K1", false}, {10, "K2", false}, {10, "GHOST", false},
		{10, "K1", false}, {20, "K1", true}, {20, "K1", false}, {20, "K1", false},
	}

	for i, step := range script {
		h.links[step.device].SetAutoConfirm(!step.silent)
		h.badge(step.device, step.key)

		open := make(map[int][]string)
		last := make(map[auditPair]access.LockState)
		for _, e := range h.store.entries() {
			p := auditPair{e.KeyID, e.DeviceID}
			prev, seen := last[p]
			if e.State == access.LockStateUnlocked && seen && prev == access.LockStateUnlocked {
				t.Fatalf("step %d: %v has two unlocked entries in a row", i, p)
			}
			if e.State == access.LockStateLocked && (!seen || prev != access.LockStateUnlocked) {
				t.Fatalf("step %d: %v locked without a preceding unlocked", i, p)
			}
			last[p] = e.State
		}
		for p, state := range last {
			if state == access.LockStateUnlocked {
				open[p.device] = append(open[p.device], p.key)
			}
		}

		for id, hd := range h.crawler.State().Snapshot() {
			switch {
			case len(open[id]) > 1:
				t.Fatalf("step %d: device %d has open sessions for %v", i, id, open[id])
			case len(open[id]) == 1 && hd.KeyID != open[id][0]:
				t.Fatalf("step %d: device %d held by %q but audit shows %q open", i, id, hd.KeyID, open[id][0])
			case len(open[id]) == 0 && !hd.Locked():
				t.Fatalf("step %d: device %d held by %q with no open session", i, id, hd.KeyID)
			}
		}
	}
}

func TestCrawler_StartStop(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)
	ctx := context.Background()

	if err := h.crawler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.crawler.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	h.links[10].Badge("K1")
	deadline := time.Now().Add(2 * time.Second)
	for h.holder(t, 10) != "K1" {
		if time.Now().After(deadline) {
			t.Fatal("poll loop never handled the badge")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !h.crawler.Stats().Running {
		t.Error("Stats().Running = false while started")
	}

	if err := h.crawler.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !h.links[10].Stopped() {
		t.Error("link not stopped by crawler Stop")
	}
	if h.crawler.Stats().Running {
		t.Error("Stats().Running = true after Stop")
	}
	if err := h.crawler.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := h.crawler.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

func TestCrawler_StopCompletesInFlightConfirmation(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)
	h.crawler.confirmTimeout = 150 * time.Millisecond
	h.links[10].SetAutoConfirm(false)

	if err := h.crawler.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.links[10].Badge("K1")

	deadline := time.Now().Add(2 * time.Second)
	for len(h.links[10].Orders()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("unlock order never sent")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.crawler.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// The wait ran to its timeout and the corrective order went out
	// before the link was released.
	assertOrders(t, h.links[10], link.OrderUnlock, link.OrderLock)
}

func TestCrawler_ContextCancelEndsLoop(t *testing.T) {
	h := newHarness(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	if err := h.crawler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for h.crawler.Stats().Running {
		if time.Now().After(deadline) {
			t.Fatal("poll loop still running after cancel")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNew_Errors(t *testing.T) {
	store := newMemStore()
	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{
			name:    "no links",
			opts:    Options{Store: store},
			wantErr: ErrNoLinks,
		},
		{
			name:    "no store",
			opts:    Options{Links: []link.DeviceLink{link.NewVirtualLink(10)}},
			wantErr: ErrNoStore,
		},
		{
			name: "state missing a device",
			opts: Options{
				Store: store,
				Links: []link.DeviceLink{link.NewVirtualLink(10)},
				State: NewStateOwner([]int{99}),
			},
			wantErr: ErrStateMismatch,
		},
		{
			name:    "duplicate device",
			opts:    Options{Store: store, Links: []link.DeviceLink{link.NewVirtualLink(10), link.NewVirtualLink(10)}},
			wantErr: ErrDuplicateDevice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Options{Store: newMemStore(), Links: []link.DeviceLink{link.NewVirtualLink(10)}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.pollInterval != DefaultPollInterval || c.confirmTimeout != DefaultConfirmTimeout {
		t.Errorf("defaults = %v/%v", c.pollInterval, c.confirmTimeout)
	}
	if ids := c.State().Devices(); len(ids) != 1 || ids[0] != 10 {
		t.Errorf("State().Devices() = %v, want [10]", ids)
	}
}

// meddlingLink runs hook once, just before the first order it matches.
type meddlingLink struct {
	*link.VirtualLink
	order string
	once  sync.Once
	hook  func()
}

func (l *meddlingLink) Send(order string) error {
	if order == l.order {
		l.once.Do(l.hook)
	}
	return l.VirtualLink.Send(order)
}

func newMeddlingCrawler(t *testing.T, store *memStore, l *meddlingLink, state *StateOwner, events Observer) *Crawler {
	t.Helper()
	c, err := New(Options{
		Links:          []link.DeviceLink{l},
		Store:          store,
		State:          state,
		Observer:       events,
		ConfirmTimeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func TestCrawler_StateChangedDuringUnlock(t *testing.T) {
	store := newMemStore()
	store.grant("K1", 10)
	state := NewStateOwner([]int{10})
	events := &eventRecorder{}

	l := &meddlingLink{VirtualLink: link.NewVirtualLink(10), order: link.OrderUnlock}
	l.hook = func() { state.CompareAndSet(10, "", "K9", time.Now()) }
	c := newMeddlingCrawler(t, store, l, state, events)

	l.Badge("K1")
	c.Sweep(context.Background())

	entries := store.entries()
	if len(entries) != 2 || entries[0].State != access.LockStateUnlocked || entries[1].State != access.LockStateError {
		t.Fatalf("audit = %+v, want unlocked then error", entries)
	}
	if h, _ := state.Holder(10); h.KeyID != "K9" {
		t.Errorf("holder = %q, want K9", h.KeyID)
	}
	// K9 holds the device, so the controller stays open.
	assertOrders(t, l.VirtualLink, link.OrderUnlock, link.OrderUnlock)
	if ev := events.last(t); ev.Type != EventStoreFailure {
		t.Errorf("event = %+v, want store_failure", ev)
	}
	if c.Stats().Unlocks != 0 {
		t.Error("aborted unlock counted")
	}
}

func TestCrawler_StateChangedDuringLock(t *testing.T) {
	store := newMemStore()
	store.grant("K1", 10)
	state := NewStateOwner([]int{10})
	events := &eventRecorder{}

	l := &meddlingLink{VirtualLink: link.NewVirtualLink(10), order: link.OrderLock}
	l.hook = func() { state.ForceLocked(10) }
	c := newMeddlingCrawler(t, store, l, state, events)

	l.Badge("K1")
	c.Sweep(context.Background())
	l.Badge("K1")
	c.Sweep(context.Background())

	assertOrders(t, l.VirtualLink, link.OrderUnlock, link.OrderLock, link.OrderLock)
	if l.IsOpen() {
		t.Error("controller open while the state says locked")
	}
	if h, _ := state.Holder(10); !h.Locked() {
		t.Errorf("holder = %q, want locked", h.KeyID)
	}
	if ev := events.last(t); ev.Type != EventStoreFailure {
		t.Errorf("event = %+v, want store_failure", ev)
	}
}

func TestCrawler_EventTimeMatchesAudit(t *testing.T) {
	h := newHarness(t, 10)
	h.store.grant("K1", 10)

	h.badge(10, "K1")
	unlocked := h.events.last(t)
	hd, _ := h.crawler.State().Holder(10)
	entries := h.store.entries()
	if !unlocked.Time.Equal(entries[0].Timestamp) || !hd.Since.Equal(entries[0].Timestamp) {
		t.Errorf("unlock event at %v, holder since %v, audit at %v", unlocked.Time, hd.Since, entries[0].Timestamp)
	}

	h.badge(10, "K1")
	locked := h.events.last(t)
	entries = h.store.entries()
	if !locked.Time.Equal(entries[1].Timestamp) {
		t.Errorf("lock event at %v, audit at %v", locked.Time, entries[1].Timestamp)
	}
	if want := entries[1].Timestamp.Sub(entries[0].Timestamp); locked.Duration != want {
		t.Errorf("session = %v, want %v", locked.Duration, want)
	}
}
