package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jpillora/backoff"
	"github.com/matst80/apixify/internal/obs"
	"github.com/redis/go-redis/v9"
)

// redisStore keeps counters in memory and mirrors the snapshot into a Redis
// hash so operators can list live tunnels. The hash is never read back.
type redisStore struct {
	*memoryStore
	client *redis.Client

	heartbeatInterval time.Duration
	kick              chan struct{}
	stop              chan struct{}
	done              chan struct{}
	closeOnce         sync.Once
}

// NewRedis connects to Redis and starts the heartbeat that refreshes the mirror.
func NewRedis(addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	r := &redisStore{
		memoryStore:       newMemoryStore(),
		client:            rdb,
		heartbeatInterval: 30 * time.Second,
		kick:              make(chan struct{}, 1),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	go r.maintain()
	return r, nil
}

var _ Store = (*redisStore)(nil)

func tunnelKey(id string) string { return "apixify:tunnel:" + id }

func (r *redisStore) SetTunnel(t Tunnel) {
	r.memoryStore.SetTunnel(t)
	r.schedule()
}

func (r *redisStore) SetConnection(state string, generation uint64) {
	r.memoryStore.SetConnection(state, generation)
	r.schedule()
}

// schedule asks maintain for a publish without waiting on Redis.
func (r *redisStore) schedule() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// maintain owns all Redis writes: on demand, on the heartbeat, and on retry
// after a failure.
func (r *redisStore) maintain() {
	defer close(r.done)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	retry := &backoff.Backoff{Min: 500 * time.Millisecond, Max: r.heartbeatInterval, Factor: 2, Jitter: true}
	var retryC <-chan time.Time
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		case <-r.kick:
		case <-retryC:
		}
		if err := r.publish(); err != nil {
			wait := retry.Duration()
			obs.Error("redis.publish", obs.Fields{"err": err, "retry_in": wait.String()})
			retryC = time.After(wait)
			continue
		}
		retry.Reset()
		retryC = nil
	}
}

// publish writes the current snapshot; the key expires with the tunnel lease.
func (r *redisStore) publish() error {
	s := r.Snapshot()
	if s.Tunnel.ID == "" {
		return nil
	}
	counters, err := json.Marshal(map[string]int64{
		"forwarded":  s.Forwarded,
		"failed":     s.Failed,
		"rejected":   s.Rejected,
		"dropped":    s.Dropped,
		"reconnects": s.Reconnects,
	})
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	ttl := time.Duration(s.Tunnel.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := tunnelKey(s.Tunnel.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key,
		"public_url", s.Tunnel.PublicURL,
		"proxy_url", s.Tunnel.ProxyURL,
		"local_url", s.Tunnel.LocalURL,
		"connection", s.Connection,
		"generation", s.Generation,
		"counters", string(counters),
		"updated_at", s.Now,
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Close stops the heartbeat and removes the mirror entry.
func (r *redisStore) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
		if id := r.Snapshot().Tunnel.ID; id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if delErr := r.client.Del(ctx, tunnelKey(id)).Err(); delErr != nil && delErr != redis.Nil {
				obs.Error("redis.remove_tunnel", obs.Fields{"err": delErr.Error(), "id": id})
			}
			cancel()
		}
		err = r.client.Close()
	})
	return err
}
