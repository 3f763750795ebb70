// Package state tracks what the tunnel client is doing for the status server.
package state

import (
	"time"

	"github.com/matst80/apixify/internal/obs"
)

// Tunnel identifies the registered tunnel being served.
type Tunnel struct {
	ID         string `json:"id"`
	PublicURL  string `json:"public_url"`
	ProxyURL   string `json:"proxy_url"`
	LocalURL   string `json:"local_url"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Stats is a point in time view of the client.
type Stats struct {
	Tunnel      Tunnel    `json:"tunnel"`
	Connection  string    `json:"connection"`
	Generation  uint64    `json:"generation"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Forwarded   int64     `json:"forwarded"`
	Failed      int64     `json:"failed"`
	Rejected    int64     `json:"rejected"`
	Dropped     int64     `json:"dropped"`
	Reconnects  int64     `json:"reconnects"`
	LastStatus  int       `json:"last_status"`
	Now         string    `json:"now"`
}

// Store abstracts status bookkeeping so it can be mirrored to Redis.
type Store interface {
	SetTunnel(t Tunnel)
	SetConnection(state string, generation uint64)
	RecordForward(status int)
	RecordRejected()
	RecordDropped()
	RecordReconnect()
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
	Snapshot() Stats
	Close() error
}

// New creates either an in-memory or Redis-backed store.
func New(redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedis(redisAddr, redisPassword, redisDB)
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"TunnelID":    s.Tunnel.ID,
		"PublicURL":   s.Tunnel.PublicURL,
		"ProxyURL":    s.Tunnel.ProxyURL,
		"LocalURL":    s.Tunnel.LocalURL,
		"Connection":  s.Connection,
		"Generation":  s.Generation,
		"ConnectedAt": s.ConnectedAt,
		"Forwarded":   s.Forwarded,
		"Failed":      s.Failed,
		"Rejected":    s.Rejected,
		"Dropped":     s.Dropped,
		"Reconnects":  s.Reconnects,
	}
}
