// Package tunnel runs the control connection to the broker and dispatches
// tunneled requests to the local upstream.
package tunnel

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultReconnectDelay is the fixed wait between a lost control connection
// and the next attempt.
const DefaultReconnectDelay = 5 * time.Second

// Info is the registered tunnel. It does not change for the life of the process.
type Info struct {
	ID         string
	PublicURL  string
	ProxyURL   string
	LocalURL   *url.URL
	TTLSeconds int
}

// State of the control connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ControlURL derives the broker's WebSocket endpoint from its HTTP base URL.
func ControlURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawPath = ""
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}

// ProxyURL is the path routed public address: <server>/<tunnel id>.
func ProxyURL(server, tunnelID string) string {
	return strings.TrimRight(server, "/") + "/" + url.PathEscape(tunnelID)
}
