package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

const defaultServer = "https://apixify-tunnel-server.onrender.com"

// Config holds client runtime configuration. Flag defaults come from APIXIFY_*
// environment variables, which may be set through a .env file.
type Config struct {
	Server         string
	Port           int
	LocalHost      string
	Username       string
	TTL            int
	Debug          bool
	MetricsAddr    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	MaxInFlight    int
	Rate           int
	Burst          int
	ReconnectDelay time.Duration
	ForwardTimeout time.Duration
	GracePeriod    time.Duration
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// bindFlags registers all client flags on fs.
func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server, "server", envString("APIXIFY_SERVER", defaultServer), "tunnel server base URL")
	fs.IntVar(&c.Port, "port", envInt("APIXIFY_PORT", 0), "local port to expose (required)")
	fs.StringVar(&c.LocalHost, "local-host", envString("APIXIFY_LOCAL_HOST", "127.0.0.1"), "host of the local server")
	fs.StringVar(&c.Username, "username", envString("APIXIFY_USERNAME", ""), "optional username to register; a random tunnel is used when empty")
	fs.IntVar(&c.TTL, "ttl", envInt("APIXIFY_TTL", 21600), "session TTL seconds")
	fs.BoolVar(&c.Debug, "debug", envBool("APIXIFY_DEBUG", false), "enable debug logs")
	fs.StringVar(&c.MetricsAddr, "metrics", envString("APIXIFY_METRICS", ""), "metrics, status and health listen address (disabled when empty)")
	fs.StringVar(&c.RedisAddr, "redis", envString("APIXIFY_REDIS", ""), "redis address to publish tunnel status to (optional)")
	fs.StringVar(&c.RedisPassword, "redis-password", envString("APIXIFY_REDIS_PASSWORD", ""), "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", envInt("APIXIFY_REDIS_DB", 0), "redis database")
	fs.IntVar(&c.MaxInFlight, "max-inflight", envInt("APIXIFY_MAX_INFLIGHT", 0), "max concurrent forwards, excess requests get 503 (0 = unlimited)")
	fs.IntVar(&c.Rate, "rate", envInt("APIXIFY_RATE", 0), "max accepted requests per second (0 = unlimited)")
	fs.IntVar(&c.Burst, "burst", envInt("APIXIFY_BURST", 0), "request burst size when --rate is set (defaults to rate)")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", envDuration("APIXIFY_RECONNECT_DELAY", 5*time.Second), "fixed delay before reconnecting the control connection")
	fs.DurationVar(&c.ForwardTimeout, "forward-timeout", envDuration("APIXIFY_FORWARD_TIMEOUT", 20*time.Second), "timeout for a single call to the local server")
	fs.DurationVar(&c.GracePeriod, "grace-period", envDuration("APIXIFY_GRACE_PERIOD", 10*time.Second), "time to wait for in-flight requests after a shutdown signal (0 = immediate)")
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("--port is required and must be between 1 and 65535, got %d", c.Port)
	}
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("--server must be an http(s) URL, got %q", c.Server)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("--ttl must be positive, got %d", c.TTL)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("--reconnect-delay must be positive, got %s", c.ReconnectDelay)
	}
	return nil
}

// localURL is the base URL of the server being exposed.
func (c *Config) localURL() *url.URL {
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(c.LocalHost, strconv.Itoa(c.Port))}
}
