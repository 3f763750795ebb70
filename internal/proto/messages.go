package proto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// MaxFrameSize caps a single control channel frame.
const MaxFrameSize = 16 << 20

// MsgType tags every control channel envelope.
type MsgType string

const (
	TypeRegister MsgType = "register"
	TypeRequest  MsgType = "request"
	TypeResponse MsgType = "response"
)

// Envelope is the JSON text frame exchanged with the broker.
type Envelope struct {
	Type     MsgType         `json:"type"`
	TunnelID string          `json:"tunnel_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Request broker -> client, one tunneled HTTP request.
type Request struct {
	ID      string          `json:"-"`
	RawID   json.RawMessage `json:"-"` // set when the broker sent a non-string id
	Method  string          `json:"method"`
	Path    string          `json:"path"`
	Query   string          `json:"query,omitempty"`
	Headers Headers         `json:"headers"`
	Body    Body            `json:"body,omitempty"`
}

// Response client -> broker, correlated by ID.
type Response struct {
	ID      string            `json:"id"`
	RawID   json.RawMessage   `json:"-"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// MarshalJSON echoes the id in the JSON form the request carried it.
func (r Response) MarshalJSON() ([]byte, error) {
	var id any = r.ID
	if len(r.RawID) > 0 {
		id = r.RawID
	}
	return json.Marshal(struct {
		ID      any               `json:"id"`
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}{id, r.Status, r.Headers, r.Body})
}

// MalformedRequestError is a request whose id could be read but whose other
// fields could not. The broker still gets a reply for ID.
type MalformedRequestError struct {
	ID    string
	RawID json.RawMessage
	Err   error
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("decode request %s: %v", e.ID, e.Err)
}

func (e *MalformedRequestError) Unwrap() error { return e.Err }

// ErrNoRequestID marks a request payload without a usable correlation id.
var ErrNoRequestID = errors.New("request without id")

// RegisterRequest is the body of the broker's /register and /random calls.
type RegisterRequest struct {
	Username   string `json:"username,omitempty"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// RegisterResponse is returned by both registration endpoints.
type RegisterResponse struct {
	TunnelID  string `json:"tunnel_id"`
	PublicURL string `json:"public_url"`
}

// Headers decodes a header object whose values are strings or string arrays.
type Headers map[string]string

func (h *Headers) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Headers, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		switch {
		case len(v) == 0 || bytes.Equal(v, []byte("null")):
			continue
		case v[0] == '[':
			var vals []string
			if err := json.Unmarshal(v, &vals); err != nil {
				return fmt.Errorf("header %q: %w", k, err)
			}
			out[k] = strings.Join(vals, ", ")
		case v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("header %q: %w", k, err)
			}
			out[k] = s
		default:
			// numbers and booleans keep their literal text
			out[k] = string(v)
		}
	}
	*h = out
	return nil
}

// Body is a request body: a JSON string is taken verbatim, null means empty and
// any other JSON value is kept as its JSON text.
type Body string

func (b *Body) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = Body(s)
		return nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return err
	}
	*b = Body(compact.String())
	return nil
}

// NewRegister builds the first frame sent on every new control connection.
func NewRegister(tunnelID string) Envelope {
	return Envelope{Type: TypeRegister, TunnelID: tunnelID}
}

// NewResponse wraps r in a response envelope.
func NewResponse(r Response) (Envelope, error) {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal response %s: %w", r.ID, err)
	}
	return Envelope{Type: TypeResponse, Payload: payload}, nil
}

// Encode serializes an envelope into a text frame.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a text frame. Unknown types are not an error.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Request extracts the request payload of a request envelope. The id is read
// first; if it is usable but the rest of the payload is not, the error is a
// *MalformedRequestError carrying that id.
func (e Envelope) Request() (Request, error) {
	if e.Type != TypeRequest {
		return Request{}, fmt.Errorf("envelope type %q is not a request", e.Type)
	}
	if len(e.Payload) == 0 {
		return Request{}, fmt.Errorf("request without payload")
	}
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(e.Payload, &head); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	id, raw, ok := parseID(head.ID)
	if !ok {
		return Request{}, ErrNoRequestID
	}
	var r Request
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return Request{}, &MalformedRequestError{ID: id, RawID: raw, Err: err}
	}
	r.ID, r.RawID = id, raw
	return r, nil
}

// parseID accepts a non-empty string or a number. Numbers keep their literal
// text so they can be echoed unchanged.
func parseID(v json.RawMessage) (id string, raw json.RawMessage, ok bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "", nil, false
	}
	if v[0] == '"' {
		if err := json.Unmarshal(v, &id); err != nil || id == "" {
			return "", nil, false
		}
		return id, nil, true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", nil, false
	}
	return n.String(), append(json.RawMessage(nil), v...), true
}

// Marshal and Unmarshal share the protocol codec with callers outside this package.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
