// Package readiness waits for the local upstream to accept connections.
package readiness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DefaultInterval = 600 * time.Millisecond
	DefaultTimeout  = 1200 * time.Millisecond
)

// Prober polls URL until the server behind it answers. Any HTTP status counts
// as reachable; only a connection level failure means "not ready".
type Prober struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client

	// OnWait is called after every failed attempt.
	OnWait func(attempt int, err error)
}

func (p *Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Probe issues a single request.
func (p *Prober) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.Body.Close()
}

// Wait blocks until a probe succeeds or ctx is done. There is no retry limit;
// the only errors returned are ctx's.
func (p *Prober) Wait(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return p.Probe(ctx)
	}
	notify := func(err error, _ time.Duration) {
		if p.OnWait != nil {
			p.OnWait(attempt, err)
		}
	}
	// ConstantBackOff never stops, so RetryNotify only returns on success or
	// with the context error op wraps as permanent.
	return backoff.RetryNotify(op, backoff.NewConstantBackOff(interval), notify)
}
