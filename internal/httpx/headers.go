package httpx

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// requestHopHeaders do not survive re-issuing a request on a new upstream
// connection; the HTTP client recomputes them.
var requestHopHeaders = []string{"host", "connection", "transfer-encoding", "content-length"}

// responseHopHeaders are dropped from upstream responses before they are relayed.
var responseHopHeaders = []string{"transfer-encoding", "connection"}

func isOneOf(name string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

// StripRequestHeaders converts tunneled request headers into an http.Header
// without hop-by-hop/framing fields (case-insensitive). Fields net/http would
// refuse to send are dropped as well.
func StripRequestHeaders(in map[string]string) http.Header {
	out := make(http.Header, len(in))
	for name, value := range in {
		if isOneOf(name, requestHopHeaders) {
			continue
		}
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			continue
		}
		out.Set(name, value)
	}
	return out
}

// FlattenResponseHeaders lowercases names, drops hop-by-hop fields and joins
// multi-valued headers with ",".
func FlattenResponseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if isOneOf(name, responseHopHeaders) {
			continue
		}
		out[strings.ToLower(name)] = strings.Join(values, ",")
	}
	return out
}

// SortedNames lists header names in order, for stable log output.
func SortedNames(h map[string]string) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// TargetURL resolves a tunneled path and query against the local base URL.
// The path replaces the base path and always starts with "/".
func TargetURL(base *url.URL, path, query string) *url.URL {
	u := *base
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path, u.RawPath = path, ""
	if p, err := url.PathUnescape(path); err == nil {
		u.Path = p
		if p != path {
			u.RawPath = path
		}
	}
	u.RawQuery = strings.TrimPrefix(query, "?")
	u.Fragment, u.RawFragment = "", ""
	return &u
}
