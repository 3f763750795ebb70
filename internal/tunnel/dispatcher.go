package tunnel

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/matst80/apixify/internal/forward"
	"github.com/matst80/apixify/internal/httpx"
	"github.com/matst80/apixify/internal/obs"
	"github.com/matst80/apixify/internal/proto"
	"github.com/matst80/apixify/internal/ratelimit"
	"github.com/matst80/apixify/internal/state"
)

// Forwarder performs the upstream call for one request.
type Forwarder interface {
	Forward(ctx context.Context, r forward.Request) forward.Result
}

// ReplyFunc delivers the response for one request.
type ReplyFunc func(proto.Response)

// Dispatcher turns inbound request frames into concurrent upstream forwards.
type Dispatcher struct {
	local     *url.URL
	forwarder Forwarder
	admission *ratelimit.Admission
	store     state.Store

	wg sync.WaitGroup
}

// NewDispatcher forwards to local. admission and store may be nil.
func NewDispatcher(local *url.URL, f Forwarder, admission *ratelimit.Admission, store state.Store) *Dispatcher {
	if store == nil {
		store = state.NewMemory()
	}
	return &Dispatcher{local: local, forwarder: f, admission: admission, store: store}
}

// Dispatch handles one inbound frame. Non-request frames and frames without a
// readable id are discarded. Every request with an id gets exactly one reply:
// a 400 when its other fields cannot be decoded, otherwise the forward result
// delivered from its own goroutine. Dispatch never waits on a forward.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte, reply ReplyFunc) {
	env, err := proto.Decode(frame)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		obs.Warn("dispatch.malformed", obs.Fields{"err": err, "bytes": len(frame)})
		return
	}
	if env.Type != proto.TypeRequest {
		obs.Debug("dispatch.ignored", obs.Fields{"type": string(env.Type)})
		return
	}
	req, err := env.Request()
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		obs.Warn("dispatch.bad_request", obs.Fields{"err": err})
		var bad *proto.MalformedRequestError
		if errors.As(err, &bad) {
			reply(toResponse(proto.Request{ID: bad.ID, RawID: bad.RawID}, forward.BadRequest(bad.Err)))
		}
		return
	}

	release, ok := d.admission.Acquire()
	if !ok {
		obs.RejectedTotal.Inc()
		d.store.RecordRejected()
		obs.Warn("dispatch.rejected", obs.Fields{"id": req.ID, "path": req.Path})
		reply(toResponse(req, forward.Overloaded()))
		return
	}

	fr := forward.Request{
		Method: req.Method,
		URL:    httpx.TargetURL(d.local, req.Path, req.Query),
		Header: httpx.StripRequestHeaders(req.Headers),
		Body:   string(req.Body),
	}
	obs.Debug("dispatch.request", obs.Fields{"id": req.ID, "method": fr.Method, "url": fr.URL.String(), "headers": httpx.SortedNames(req.Headers)})

	d.wg.Add(1)
	obs.InFlightForwards.Inc()
	go func() {
		defer d.wg.Done()
		defer obs.InFlightForwards.Dec()
		defer release()
		res := d.forwarder.Forward(ctx, fr)
		d.store.RecordForward(res.Status)
		reply(toResponse(req, res))
	}()
}

// Wait blocks until all forwards started so far have replied.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func toResponse(req proto.Request, r forward.Result) proto.Response {
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return proto.Response{ID: req.ID, RawID: req.RawID, Status: r.Status, Headers: headers, Body: r.Body}
}
