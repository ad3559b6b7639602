package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SDKVersion identifies this library in the User-Agent header.
const SDKVersion = "1.0.0"

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// Client talks to a Keyward server. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client, for custom
// transports, proxies, or timeouts.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithUserAgent overrides the User-Agent header. Applications should
// identify themselves so server logs can tell integrations apart.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// New creates a client for the server at baseURL, which should include
// the scheme and host but no path.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		userAgent:  "keyward-client/" + SDKVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Activate binds this device to a license code. Rejections (unknown
// code, full capacity, locked to another machine) come back as
// *APIError.
func (c *Client) Activate(ctx context.Context, params ActivateParams) (*Activation, error) {
	var out Activation
	if err := c.post(ctx, "/api/license/activate", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks whether this device currently holds a usable activation.
// An invalid activation is a normal answer, not an error: check
// Verification.Valid and Verification.Reason.
func (c *Client) Verify(ctx context.Context, params VerifyParams) (*Verification, error) {
	var out Verification
	if err := c.post(ctx, "/api/license/verify", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deactivate releases this device's slot so another machine can use it.
func (c *Client) Deactivate(ctx context.Context, params DeactivateParams) (*Deactivation, error) {
	var out Deactivation
	if err := c.post(ctx, "/api/license/deactivate", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueTrial requests the one trial grant for this hardware. Calling
// again before expiry re-delivers the same key with Reissued set.
func (c *Client) IssueTrial(ctx context.Context, hardwareID string) (*Trial, error) {
	payload := struct {
		HardwareID string `json:"hardware_id"`
	}{hardwareID}

	var out Trial
	if err := c.post(ctx, "/api/trial", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports the server's health summary. A degraded server is a
// successful answer with Status not "ok", not an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyward: health check: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("keyward: reading health response: %w", err)
	}

	// The health body is rendered on 200 and on 503 alike.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, apiErrorFrom(resp.StatusCode, body)
	}

	var out Health
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("keyward: decoding health response: %w", err)
	}
	return &out, nil
}

// Version reports the server's build identification.
func (c *Client) Version(ctx context.Context) (*Version, error) {
	var out Version
	if err := c.get(ctx, "/api/version", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("keyward: building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("keyward: encoding request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keyward: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("keyward: reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return apiErrorFrom(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("keyward: decoding response: %w", err)
	}
	return nil
}

// apiErrorFrom builds an APIError from a problem document body, falling
// back to the HTTP status when the body is not a problem document.
func apiErrorFrom(status int, body []byte) error {
	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Status == 0 {
		return &APIError{
			Status: status,
			Title:  http.StatusText(status),
			Detail: strings.TrimSpace(string(body)),
		}
	}
	return apiErr
}
