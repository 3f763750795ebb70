// Package register obtains a tunnel identifier and public URL from the broker.
package register

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matst80/apixify/internal/proto"
)

// RegistrationError means no usable tunnel was obtained. It is fatal for the run.
type RegistrationError struct {
	Endpoint string
	Status   int // 0 when the broker could not be reached
	Body     string
	Err      error
}

func (e *RegistrationError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("registration via %s failed: %v", e.Endpoint, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("registration via %s rejected: status %d: %s", e.Endpoint, e.Status, e.Body)
	default:
		return fmt.Sprintf("registration via %s failed", e.Endpoint)
	}
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Registrar calls the broker's registration endpoints.
type Registrar struct {
	BaseURL string
	Client  *http.Client
}

func New(baseURL string) *Registrar {
	return &Registrar{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Register asks for a named tunnel when username is set, otherwise for a random one.
func (r *Registrar) Register(ctx context.Context, username string, ttlSeconds int) (*proto.RegisterResponse, error) {
	endpoint := "/random"
	if username != "" {
		endpoint = "/register"
	}
	body, err := proto.Marshal(proto.RegisterRequest{Username: username, TTLSeconds: ttlSeconds})
	if err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RegistrationError{Endpoint: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var out proto.RegisterResponse
	if err := proto.Unmarshal(data, &out); err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if out.TunnelID == "" {
		return nil, &RegistrationError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("reply has no tunnel_id")}
	}
	return &out, nil
}
