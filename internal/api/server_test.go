package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/okm-core/internal/access"
	"github.com/nerrad567/okm-core/internal/auth"
	"github.com/nerrad567/okm-core/internal/crawler"
	"github.com/nerrad567/okm-core/internal/device"
	"github.com/nerrad567/okm-core/internal/infrastructure/config"
	"github.com/nerrad567/okm-core/internal/infrastructure/logging"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// fakeAudit is an in-memory AuditReader.
type fakeAudit struct {
	mu      sync.Mutex
	keys    map[string]*access.Key
	entries []access.AuditEntry
	filters []access.AuditFilter
	err     error
}

func (f *fakeAudit) ListAudit(_ context.Context, filter access.AuditFilter) (*access.AuditPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	return &access.AuditPage{Entries: f.entries, Total: len(f.entries), Limit: filter.Limit}, nil
}

func (f *fakeAudit) GetKey(_ context.Context, keyID string) (*access.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[keyID]; ok {
		return k, nil
	}
	return nil, access.ErrUnknownKey
}

func (f *fakeAudit) lastFilter() access.AuditFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[len(f.filters)-1]
}

type staticStats crawler.Stats

func (s staticStats) Stats() crawler.Stats { return crawler.Stats(s) }

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type fixture struct {
	srv   *Server
	state *crawler.StateOwner
	audit *fakeAudit
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()

	registry, err := device.NewRegistry([]device.Device{
		{ID: 10, Label: "Tour Metal", Transport: device.TransportUSB, SerialNumber: "85735313932351B011E2"},
		{ID: 20, Label: "3d printer", Transport: device.TransportBus},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	f := &fixture{
		state: crawler.NewStateOwner(registry.IDs()),
		audit: &fakeAudit{keys: map[string]*access.Key{
			"ABC123": {KeyID: "ABC123", Name: "Ada", Surname: "Lovelace"},
		}},
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	deps := Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:     config.WebSocketConfig{Path: "/ws", MaxMessageSize: 4096, PingInterval: 30, PongTimeout: 10},
		Logger: log,

		Registry: registry,
		State:    f.state,
		Audit:    f.audit,
		Version:  "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	f.srv, err = New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error"}, "test")
	registry, _ := device.NewRegistry(nil)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{}},
		{"no registry", Deps{Logger: log}},
		{"no state", Deps{Logger: log, Registry: registry}},
		{"no audit", Deps{Logger: log, Registry: registry, State: crawler.NewStateOwner(nil)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) {
			d.Health = map[string]HealthChecker{
				"database": checkFunc(func(context.Context) error { return nil }),
			}
		})
		rec := f.do(t, http.MethodGet, "/api/v1/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decode[healthResponse](t, rec)
		if body.Status != "ok" || body.Version != "test" || body.Components["database"] != "ok" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("degraded component", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) {
			d.Health = map[string]HealthChecker{
				"database": checkFunc(func(context.Context) error { return nil }),
				"mqtt":     checkFunc(func(context.Context) error { return errors.New("mqtt: client not connected") }),
			}
		})
		rec := f.do(t, http.MethodGet, "/api/v1/health", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		body := decode[healthResponse](t, rec)
		if body.Status != "degraded" || body.Components["mqtt"] != "mqtt: client not connected" {
			t.Errorf("body = %+v", body)
		}
	})
}

func TestListDevices(t *testing.T) {
	f := newFixture(t, nil)
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.state.CompareAndSet(10, "", "ABC123", since)

	rec := f.do(t, http.MethodGet, "/api/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := decode[struct {
		Devices []deviceView `json:"devices"`
		Count   int          `json:"count"`
	}](t, rec)
	if body.Count != 2 || len(body.Devices) != 2 {
		t.Fatalf("body = %+v", body)
	}

	held := body.Devices[0]
	if held.ID != 10 || held.State != "unlocked" || held.KeyID != "ABC123" || held.Holder != "Ada Lovelace" {
		t.Errorf("device 10 = %+v", held)
	}
	if held.Since == nil || !held.Since.Equal(since) {
		t.Errorf("since = %v, want %v", held.Since, since)
	}
	if free := body.Devices[1]; free.ID != 20 || free.State != "locked" || free.KeyID != "" {
		t.Errorf("device 20 = %+v", free)
	}
}

func TestGetDevice(t *testing.T) {
	f := newFixture(t, nil)
	f.state.CompareAndSet(20, "", "UNNAMED", time.Now())

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"found", "/api/v1/devices/20", http.StatusOK},
		{"not configured", "/api/v1/devices/99", http.StatusNotFound},
		{"not a number", "/api/v1/devices/abc", http.StatusBadRequest},
		{"zero", "/api/v1/devices/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	// Holder without a key record still shows the key ID.
	v := decode[deviceView](t, f.do(t, http.MethodGet, "/api/v1/devices/20", ""))
	if v.KeyID != "UNNAMED" || v.Holder != "" || v.Label != "3d printer" {
		t.Errorf("device 20 = %+v", v)
	}
}

func TestListAudit(t *testing.T) {
	f := newFixture(t, nil)
	f.audit.entries = []access.AuditEntry{{ID: "aud-1", KeyID: "ABC123", DeviceID: 10, State: access.LockStateUnlocked}}

	rec := f.do(t, http.MethodGet, "/api/v1/audit?key_id=ABC123&device_id=10&limit=5&offset=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := access.AuditFilter{KeyID: "ABC123", DeviceID: 10, Limit: 5, Offset: 2}
	if got := f.audit.lastFilter(); got != want {
		t.Errorf("filter = %+v, want %+v", got, want)
	}
	if page := decode[access.AuditPage](t, rec); len(page.Entries) != 1 || page.Entries[0].ID != "aud-1" {
		t.Errorf("page = %+v", page)
	}

	for _, q := range []string{"device_id=x", "limit=-1", "offset=abc"} {
		t.Run("bad "+q, func(t *testing.T) {
			if rec := f.do(t, http.MethodGet, "/api/v1/audit?"+q, ""); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	f.audit.err = errors.New("database is locked")
	if rec := f.do(t, http.MethodGet, "/api/v1/audit", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status on store error = %d, want 500", rec.Code)
	}
}

func TestDrainUnknownKey(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(t, http.MethodPost, "/api/v1/keys/unknown/drain", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("empty slot status = %d, want 204", rec.Code)
	}

	f.state.SetUnknownKey("NEWKEY")
	rec := f.do(t, http.MethodPost, "/api/v1/keys/unknown/drain", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["key_id"] != "NEWKEY" {
		t.Errorf("body = %v", body)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/keys/unknown/drain", ""); rec.Code != http.StatusNoContent {
		t.Errorf("slot not cleared, status = %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/api/v1/stats", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without crawler = %d, want 503", rec.Code)
	}

	f = newFixture(t, func(d *Deps) { d.Stats = staticStats{Running: true, Unlocks: 3} })
	rec := f.do(t, http.MethodGet, "/api/v1/stats", "")
	if s := decode[crawler.Stats](t, rec); !s.Running || s.Unlocks != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })

	observer, err := auth.GenerateToken("display", auth.RoleObserver, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	operator, err := auth.GenerateToken("desk", auth.RoleOperator, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	foreign, err := auth.GenerateToken("x", auth.RoleOperator, "another-secret-that-is-long-enough!!", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health is open", http.MethodGet, "/api/v1/health", "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/v1/devices", "", http.StatusUnauthorized},
		{"foreign token", http.MethodGet, "/api/v1/devices", foreign, http.StatusUnauthorized},
		{"observer reads", http.MethodGet, "/api/v1/devices", observer, http.StatusOK},
		{"observer cannot drain", http.MethodPost, "/api/v1/keys/unknown/drain", observer, http.StatusForbidden},
		{"operator drains", http.MethodPost, "/api/v1/keys/unknown/drain", operator, http.StatusNoContent},
		{"operator reads", http.MethodGet, "/api/v1/audit", operator, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, tt.method, tt.path, tt.token); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		upgrade bool
		query   string
		want    string
	}{
		{name: "header", header: "Bearer abc", want: "abc"},
		{name: "wrong scheme", header: "Basic abc", want: ""},
		{name: "query ignored without upgrade", query: "abc", want: ""},
		{name: "query on websocket", upgrade: true, query: "abc", want: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/ws?token="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				r.Header.Set("Upgrade", "websocket")
			}
			if got := bearerToken(r); got != tt.want {
				t.Errorf("bearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDAndCORS(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Config.CORS.AllowedOrigins = []string{"https://door.example"} })

	rec := f.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "https://door.example")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://door.example" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS header set for a foreign origin")
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(t, http.MethodGet, "/api/v1/health", "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestClientLimiter_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newClientLimiter(0, 0)
	l.now = func() time.Time { return now }

	l.allow("10.0.0.1")
	now = now.Add(limiterIdleTTL / 2)
	l.allow("10.0.0.2")
	now = now.Add(limiterIdleTTL/2 + time.Second)
	l.sweep()

	if _, ok := l.clients["10.0.0.1"]; ok {
		t.Error("idle client kept")
	}
	if _, ok := l.clients["10.0.0.2"]; !ok {
		t.Error("recent client dropped")
	}
}

func TestWebSocket_RelaysEvents(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{"denied"}}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("subscribe ack = %+v, err = %v", ack, err)
	}

	hub := f.srv.Hub()
	hub.Notify(crawler.Event{Type: crawler.EventUnlocked, DeviceID: 10, KeyID: "ABC123"})
	hub.Notify(crawler.Event{Type: crawler.EventDenied, DeviceID: 20, KeyID: "K2", Reason: crawler.ReasonNoPermission})

	var msg struct {
		Type      string        `json:"type"`
		EventType string        `json:"event_type"`
		Payload   crawler.Event `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != "denied" || msg.Payload.DeviceID != 20 || msg.Payload.Reason != crawler.ReasonNoPermission {
		t.Errorf("event = %+v, want the denial only", msg)
	}
}

func TestWebSocket_RequiresToken(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Dial() without token: err = %v", err)
	}

	token, _ := auth.GenerateToken("display", auth.RoleObserver, testSecret, time.Hour)
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("Dial() with token error = %v", err)
	}
	conn.Close()
}

func TestHub_SubscribeAll(t *testing.T) {
	c := newWSClient(nil, "")
	c.follow([]string{WSChannelAll}, true)
	for _, ch := range []string{"unlocked", "locked", "recovered"} {
		if !c.watching(ch) {
			t.Errorf("wildcard client not watching %s", ch)
		}
	}
}

func TestWSClient_Handle(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		wantType string
		watching bool
	}{
		{"ping", `{"type":"ping","id":"p"}`, WSTypePong, false},
		{"subscribe", `{"type":"subscribe","id":"s","payload":{"channels":["denied"]}}`, WSTypeResponse, true},
		{"subscribe without payload", `{"type":"subscribe","id":"s"}`, WSTypeError, false},
		{"unknown type", `{"type":"shout","id":"x"}`, WSTypeError, false},
		{"not json", `{`, WSTypeError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newWSClient(nil, "")
			var reply WSMessage
			if err := json.Unmarshal(c.handle([]byte(tt.request)), &reply); err != nil {
				t.Fatalf("reply not JSON: %v", err)
			}
			if reply.Type != tt.wantType {
				t.Errorf("reply type = %q, want %q", reply.Type, tt.wantType)
			}
			if got := c.watching("denied"); got != tt.watching {
				t.Errorf("watching(denied) = %v, want %v", got, tt.watching)
			}
		})
	}
}

func TestWSClient_Unsubscribe(t *testing.T) {
	c := newWSClient(nil, "")
	c.follow([]string{"denied", "unlocked"}, true)
	c.handle([]byte(`{"type":"unsubscribe","payload":{"channels":["denied"]}}`))

	if c.watching("denied") {
		t.Error("still watching denied")
	}
	if !c.watching("unlocked") {
		t.Error("unlocked dropped")
	}
}

func TestHub_SlowClientDropsEvents(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Default())
	c := newWSClient(nil, "")
	c.follow([]string{WSChannelAll}, true)
	if !hub.add(c) {
		t.Fatal("add() refused")
	}

	for i := 0; i < wsQueueSize+10; i++ {
		hub.Notify(crawler.Event{Type: crawler.EventDenied, DeviceID: 10})
	}
	if got := len(c.out); got != wsQueueSize {
		t.Errorf("queued = %d, want %d", got, wsQueueSize)
	}
}

func TestHub_RunDisconnectsClients(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Default())
	c := newWSClient(nil, "")
	c.follow([]string{WSChannelAll}, true)
	hub.add(c)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(finished)
	}()
	cancel()
	<-finished

	select {
	case <-c.done:
	default:
		t.Error("client not stopped")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after shutdown", hub.ClientCount())
	}
	if hub.add(newWSClient(nil, "")) {
		t.Error("add() accepted a client after shutdown")
	}

	// Events after shutdown go nowhere and must not panic.
	hub.Notify(crawler.Event{Type: crawler.EventUnlocked, DeviceID: 10})
	if c.enqueue([]byte("x")) {
		t.Error("enqueue() on a stopped client succeeded")
	}
}

func TestStartClose(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.srv.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}

	resp, err := http.Get("http://" + f.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := f.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
