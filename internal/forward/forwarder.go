// Package forward replays tunneled requests against the local upstream.
package forward

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/apixify/internal/httpx"
	"github.com/matst80/apixify/internal/obs"
)

const DefaultTimeout = 20 * time.Second

// Request is a sanitized request ready to be sent upstream.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   string
}

// Result is what the broker gets back. It is always a well formed HTTP response.
type Result struct {
	Status  int
	Headers map[string]string
	Body    string
}

// Forwarder performs upstream calls over a shared keep-alive transport.
type Forwarder struct {
	client *http.Client
}

func New(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Forwarder{client: &http.Client{
		Transport: transport,
		Timeout:   timeout,
		// 3xx goes back to the end client, which resolves it against the public URL
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Forward sends r upstream. Only transport level failures become a 502;
// upstream error statuses are passed through unchanged.
func (f *Forwarder) Forward(ctx context.Context, r Request) Result {
	start := time.Now()
	res, err := f.do(ctx, r)
	obs.ForwardDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("upstream").Inc()
		obs.Warn("forward.upstream_error", obs.Fields{"method": r.Method, "url": r.URL.String(), "err": err})
		res = Failure(err)
	}
	obs.ForwardsTotal.WithLabelValues(obs.StatusClass(res.Status)).Inc()
	obs.Debug("forward.done", obs.Fields{
		"method":  r.Method,
		"url":     r.URL.String(),
		"status":  res.Status,
		"size":    sizestr.ToString(int64(len(res.Body))),
		"elapsed": time.Since(start).String(),
	})
	return res
}

func (f *Forwarder) do(ctx context.Context, r Request) (Result, error) {
	var body io.Reader = http.NoBody
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return Result{}, err
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:  resp.StatusCode,
		Headers: httpx.FlattenResponseHeaders(resp.Header),
		Body:    string(data),
	}, nil
}

// Failure synthesizes the 502 sent when the upstream could not be reached.
func Failure(err error) Result {
	return Result{
		Status:  http.StatusBadGateway,
		Headers: map[string]string{"content-type": "text/plain"},
		Body:    "upstream error: " + err.Error(),
	}
}

// BadRequest answers a request whose fields could not be decoded.
func BadRequest(err error) Result {
	return Result{
		Status:  http.StatusBadRequest,
		Headers: map[string]string{"content-type": "text/plain"},
		Body:    "bad request: " + err.Error(),
	}
}

// Overloaded is sent when admission control rejects a request.
func Overloaded() Result {
	return Result{
		Status:  http.StatusServiceUnavailable,
		Headers: map[string]string{"content-type": "text/plain"},
		Body:    "tunnel client overloaded",
	}
}
