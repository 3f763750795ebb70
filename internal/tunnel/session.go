package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/matst80/apixify/internal/obs"
	"github.com/matst80/apixify/internal/proto"
	"github.com/matst80/apixify/internal/state"
)

// SessionConfig tunes a Session. Zero values pick the defaults.
type SessionConfig struct {
	ControlURL     string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Header         http.Header
	Store          state.Store

	// GracePeriod is how long the connection stays open after ctx is done so
	// forwards already in flight can still reply. Zero closes at once.
	GracePeriod time.Duration
}

// Session keeps one control connection to the broker alive for a tunnel and
// re-establishes it after a fixed delay whenever it is lost.
type Session struct {
	info       Info
	controlURL string
	delay      time.Duration
	grace      time.Duration
	dialer     *websocket.Dialer
	header     http.Header
	dispatcher *Dispatcher
	store      state.Store

	current    atomic.Pointer[controlConn]
	generation atomic.Uint64
	state      atomic.Int32
}

func NewSession(info Info, d *Dispatcher, cfg SessionConfig) *Session {
	s := &Session{
		info:       info,
		controlURL: cfg.ControlURL,
		delay:      cfg.ReconnectDelay,
		grace:      cfg.GracePeriod,
		dialer:     cfg.Dialer,
		header:     cfg.Header,
		dispatcher: d,
		store:      cfg.Store,
	}
	if s.delay <= 0 {
		s.delay = DefaultReconnectDelay
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	if s.store == nil {
		s.store = state.NewMemory()
	}
	return s
}

// State reports the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Generation is the id of the most recent connection attempt that opened a socket.
func (s *Session) Generation() uint64 { return s.generation.Load() }

func (s *Session) setState(st State, generation uint64) {
	s.state.Store(int32(st))
	obs.ConnectionState.Set(float64(st))
	s.store.SetConnection(st.String(), generation)
}

// Run connects and keeps reconnecting until ctx is done. It only returns
// ctx's error; connection failures are logged and retried.
func (s *Session) Run(ctx context.Context) error {
	b := backoff.NewConstantBackOff(s.delay)
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateClosed, s.Generation())
			obs.Info("tunnel.stopped", obs.Fields{"tunnel_id": s.info.ID})
			return ctx.Err()
		}
		wait := b.NextBackOff()
		obs.ReconnectsTotal.Inc()
		s.store.RecordReconnect()
		obs.Warn("tunnel.disconnected", obs.Fields{"err": err, "reconnect_in": wait.String()})

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setState(StateClosed, s.Generation())
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runOnce owns exactly one connection from dial to close.
func (s *Session) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			obs.ErrorsTotal.WithLabelValues("panic").Inc()
			err = fmt.Errorf("control connection panic: %v", r)
		}
	}()

	s.setState(StateConnecting, s.Generation())
	ws, resp, err := s.dialer.DialContext(ctx, s.controlURL, s.header)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("transport").Inc()
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", s.controlURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", s.controlURL, err)
	}
	ws.SetReadLimit(proto.MaxFrameSize)

	c := newControlConn(ws, s.generation.Add(1))
	s.current.Store(c)
	// on shutdown only the reader is stopped; the socket stays up for draining
	stop := context.AfterFunc(ctx, c.stopReading)
	defer func() {
		stop()
		c.close()
		s.current.CompareAndSwap(c, nil)
		s.setState(StateClosed, c.generation)
	}()

	frame, err := proto.Encode(proto.NewRegister(s.info.ID))
	if err != nil {
		return fmt.Errorf("encode register: %w", err)
	}
	if err := c.write(frame); err != nil {
		obs.ErrorsTotal.WithLabelValues("transport").Inc()
		return fmt.Errorf("send register: %w", err)
	}
	s.setState(StateOpen, c.generation)
	obs.Info("tunnel.connected", obs.Fields{"tunnel_id": s.info.ID, "generation": c.generation, "url": s.controlURL})

	// forwards outlive the connection they arrived on
	fctx := context.WithoutCancel(ctx)
	reply := func(r proto.Response) { s.deliver(c, r) }
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.drain()
				return ctx.Err()
			}
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("control connection closed: %w", err)
			}
			obs.ErrorsTotal.WithLabelValues("transport").Inc()
			return fmt.Errorf("read control connection: %w", err)
		}
		s.dispatcher.Dispatch(fctx, data, reply)
	}
}

// drain keeps the current connection open until every forward has replied
// or the grace period is over.
func (s *Session) drain() {
	s.store.SetClosing(true)
	if s.grace <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()
	t := time.NewTimer(s.grace)
	defer t.Stop()
	select {
	case <-done:
		obs.Info("tunnel.drained", obs.Fields{"tunnel_id": s.info.ID})
	case <-t.C:
		obs.Warn("tunnel.drain_timeout", obs.Fields{"tunnel_id": s.info.ID, "grace": s.grace.String()})
	}
}

// ErrStaleConnection marks a response whose control connection was replaced or closed.
var ErrStaleConnection = errors.New("control connection no longer current")

// deliver sends r on origin if origin is still the current connection.
// Otherwise the response is dropped and counted.
func (s *Session) deliver(origin *controlConn, r proto.Response) {
	if err := s.send(origin, r); err != nil {
		obs.DroppedResponsesTotal.Inc()
		s.store.RecordDropped()
		obs.Warn("tunnel.response.dropped", obs.Fields{"id": r.ID, "status": r.Status, "generation": origin.generation, "err": err})
	}
}

func (s *Session) send(origin *controlConn, r proto.Response) error {
	if s.current.Load() != origin || origin.isClosed() {
		return ErrStaleConnection
	}
	env, err := proto.NewResponse(r)
	if err != nil {
		return err
	}
	frame, err := proto.Encode(env)
	if err != nil {
		return err
	}
	if err := origin.write(frame); err != nil {
		obs.ErrorsTotal.WithLabelValues("transport").Inc()
		// a failed write leaves the socket unusable; the reader will reconnect
		origin.close()
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
