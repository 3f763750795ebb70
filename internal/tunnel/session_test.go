package tunnel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/apixify/internal/forward"
	"github.com/matst80/apixify/internal/obs"
	"github.com/matst80/apixify/internal/proto"
	"github.com/matst80/apixify/internal/state"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type brokerConn struct {
	ws       *websocket.Conn
	at       time.Time
	register proto.Envelope
}

// fakeBroker accepts control connections and hands them to the test after
// reading the register frame.
type fakeBroker struct {
	srv   *httptest.Server
	conns chan *brokerConn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{conns: make(chan *brokerConn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		at := time.Now()
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		_ = ws.SetReadDeadline(time.Time{})
		// a bad register frame shows up as a mismatch in the test's assertions
		env, _ := proto.Decode(data)
		b.conns <- &brokerConn{ws: ws, at: at, register: env}
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) next(t *testing.T, within time.Duration) *brokerConn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { c.ws.Close() })
		return c
	case <-time.After(within):
		t.Fatalf("no control connection within %v", within)
		return nil
	}
}

func (b *fakeBroker) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case c := <-b.conns:
		c.ws.Close()
		t.Fatalf("unexpected extra control connection at %v", c.at)
	case <-time.After(within):
	}
}

func startSession(t *testing.T, b *fakeBroker, local string, f Forwarder, delay time.Duration) *Session {
	t.Helper()
	controlURL, err := ControlURL(b.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	info := Info{ID: "tun-1", LocalURL: localURL(t, local), TTLSeconds: 60}
	s := NewSession(info, NewDispatcher(info.LocalURL, f, nil, nil), SessionConfig{ControlURL: controlURL, ReconnectDelay: delay})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s
}

func readResponse(t *testing.T, c *brokerConn) proto.Response {
	t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	env, err := proto.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != proto.TypeResponse {
		t.Fatalf("frame type = %q, want response", env.Type)
	}
	var r proto.Response
	if err := proto.Unmarshal(env.Payload, &r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSessionEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	b := newFakeBroker(t)
	s := startSession(t, b, upstream.URL, forward.New(time.Second), 50*time.Millisecond)
	c := b.next(t, 3*time.Second)

	if c.register.Type != proto.TypeRegister || c.register.TunnelID != "tun-1" {
		t.Fatalf("unexpected register frame %+v", c.register)
	}

	// unknown and malformed frames must not disturb the session
	for _, frame := range []string{`{"type":"hello","payload":{}}`, `{{{`} {
		if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}
	req := `{"type":"request","payload":{"id":"r1","method":"GET","path":"/health","headers":{}}}`
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	resp := readResponse(t, c)
	if resp.ID != "r1" || resp.Status != http.StatusOK || resp.Body != `{"ok":true}` {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Headers["content-type"] != "application/json" {
		t.Errorf("content-type = %q", resp.Headers["content-type"])
	}
	if s.State() != StateOpen || s.Generation() != 1 {
		t.Errorf("state = %v generation = %d", s.State(), s.Generation())
	}
	b.expectNone(t, 150*time.Millisecond)
}

func TestSessionReconnectsAfterFixedDelay(t *testing.T) {
	delay := 300 * time.Millisecond
	b := newFakeBroker(t)
	before := testutil.ToFloat64(obs.ReconnectsTotal)
	s := startSession(t, b, "http://127.0.0.1:1", newGatedForwarder(), delay)

	first := b.next(t, 3*time.Second)
	closedAt := time.Now()
	first.ws.Close()

	second := b.next(t, delay+2*time.Second)
	gap := second.at.Sub(closedAt)
	if gap < delay {
		t.Errorf("reconnected after %v, want at least %v", gap, delay)
	}
	if gap > delay+time.Second {
		t.Errorf("reconnected after %v, want close to %v", gap, delay)
	}
	if second.register.TunnelID != "tun-1" {
		t.Errorf("second connection registered %q", second.register.TunnelID)
	}
	b.expectNone(t, 2*delay)
	if got := testutil.ToFloat64(obs.ReconnectsTotal) - before; got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
	if s.Generation() != 2 {
		t.Errorf("generation = %d, want 2", s.Generation())
	}
}

func TestSessionProtocolErrorReconnectsOnce(t *testing.T) {
	delay := 200 * time.Millisecond
	b := newFakeBroker(t)
	before := testutil.ToFloat64(obs.ReconnectsTotal)
	startSession(t, b, "http://127.0.0.1:1", newGatedForwarder(), delay)

	first := b.next(t, 3*time.Second)
	// a frame with reserved bits set is a transport error on the client side
	if _, err := first.ws.UnderlyingConn().Write([]byte{0xf1, 0x01, 'x'}); err != nil {
		t.Fatal(err)
	}
	b.next(t, delay+2*time.Second)
	b.expectNone(t, 3*delay)
	if got := testutil.ToFloat64(obs.ReconnectsTotal) - before; got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
}

func TestSessionRetriesFailedDial(t *testing.T) {
	b := newFakeBroker(t)
	controlURL, err := ControlURL(b.srv.URL + "/missing")
	if err != nil {
		t.Fatal(err)
	}
	info := Info{ID: "tun-1", LocalURL: localURL(t, "http://127.0.0.1:1")}
	s := NewSession(info, NewDispatcher(info.LocalURL, newGatedForwarder(), nil, nil), SessionConfig{ControlURL: controlURL, ReconnectDelay: 100 * time.Millisecond})

	before := testutil.ToFloat64(obs.ReconnectsTotal)
	ctx, cancel := context.WithTimeout(context.Background(), 450*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Run returned %v", err)
	}
	attempts := testutil.ToFloat64(obs.ReconnectsTotal) - before
	// 450ms with a 100ms floor allows at most 5 retries
	if attempts < 2 || attempts > 5 {
		t.Errorf("reconnect attempts = %v", attempts)
	}
	if s.State() != StateClosed {
		t.Errorf("state after stop = %v", s.State())
	}
}

func TestSessionDropsResponseForReplacedConnection(t *testing.T) {
	delay := 100 * time.Millisecond
	g := newGatedForwarder()
	b := newFakeBroker(t)
	before := testutil.ToFloat64(obs.DroppedResponsesTotal)
	startSession(t, b, "http://127.0.0.1:1", g, delay)

	first := b.next(t, 3*time.Second)
	req := `{"type":"request","payload":{"id":"late","method":"GET","path":"/slow","headers":{}}}`
	if err := first.ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	<-g.calls
	first.ws.Close()
	second := b.next(t, delay+2*time.Second)

	g.release("/slow")
	deadline := time.Now().Add(3 * time.Second)
	for testutil.ToFloat64(obs.DroppedResponsesTotal)-before < 1 {
		if time.Now().After(deadline) {
			t.Fatal("response for the replaced connection was not reported as dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the new connection must not receive the stale reply
	_ = second.ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := second.ws.ReadMessage(); err == nil {
		t.Errorf("unexpected frame on new connection: %s", data)
	}
}

func TestControlURL(t *testing.T) {
	cases := map[string]string{
		"https://tunnel.example.com":   "wss://tunnel.example.com/ws",
		"http://127.0.0.1:8080/":       "ws://127.0.0.1:8080/ws",
		"https://example.com/base?x=1": "wss://example.com/base/ws",
	}
	for in, want := range cases {
		got, err := ControlURL(in)
		if err != nil || got != want {
			t.Errorf("ControlURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ControlURL("ftp://example.com"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	if got := ProxyURL("https://example.com/", "abc"); got != "https://example.com/abc" {
		t.Errorf("ProxyURL = %q", got)
	}
}

func runDraining(t *testing.T, b *fakeBroker, f Forwarder, grace time.Duration) (state.Store, context.CancelFunc, chan error) {
	t.Helper()
	controlURL, err := ControlURL(b.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	info := Info{ID: "tun-1", LocalURL: localURL(t, "http://127.0.0.1:1")}
	store := state.NewMemory()
	s := NewSession(info, NewDispatcher(info.LocalURL, f, nil, store), SessionConfig{
		ControlURL:     controlURL,
		ReconnectDelay: 100 * time.Millisecond,
		Store:          store,
		GracePeriod:    grace,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return store, cancel, done
}

func TestSessionRepliesInFlightAfterCancel(t *testing.T) {
	g := newGatedForwarder()
	b := newFakeBroker(t)
	store, cancel, done := runDraining(t, b, g, 3*time.Second)
	c := b.next(t, 3*time.Second)

	before := testutil.ToFloat64(obs.DroppedResponsesTotal)
	req := `{"type":"request","payload":{"id":"inflight","method":"GET","path":"/slow","headers":{}}}`
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	<-g.calls
	cancel()
	time.Sleep(100 * time.Millisecond)
	if !store.IsClosing() {
		t.Error("store should report closing while draining")
	}
	g.release("/slow")

	resp := readResponse(t, c)
	if resp.ID != "inflight" || resp.Status != http.StatusOK {
		t.Fatalf("unexpected response %+v", resp)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after draining")
	}
	if got := testutil.ToFloat64(obs.DroppedResponsesTotal) - before; got != 0 {
		t.Errorf("dropped responses = %v, want 0", got)
	}
	b.expectNone(t, 200*time.Millisecond)
}

func TestSessionDrainGivesUpAfterGrace(t *testing.T) {
	g := newGatedForwarder()
	t.Cleanup(func() { g.release("/stuck") })
	b := newFakeBroker(t)
	grace := 200 * time.Millisecond
	_, cancel, done := runDraining(t, b, g, grace)
	c := b.next(t, 3*time.Second)

	req := `{"type":"request","payload":{"id":"stuck","method":"GET","path":"/stuck","headers":{}}}`
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	<-g.calls
	start := time.Now()
	cancel()
	select {
	case <-done:
		if d := time.Since(start); d < grace {
			t.Errorf("stopped after %v, before the grace period", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session waited past the grace period")
	}
}
