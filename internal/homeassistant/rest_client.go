package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Discovery errors. They classify failures for the check command and logs.
var (
	ErrCannotConnect      = errors.New("cannot connect")
	ErrInvalidAuth        = errors.New("invalid authentication")
	ErrAPIProblem         = errors.New("problem reaching API")
	ErrBadResponse        = errors.New("bad response")
	ErrUnsupportedVersion = errors.New("unsupported Home Assistant version")
)

// noResponseBody is the default message when server returns empty response.
const noResponseBody = "no response body"

// maxBodySize bounds how much of a REST response is read.
const maxBodySize = 1 << 20

// APIError represents an error response from the Home Assistant API.
// It wraps one of the discovery sentinel errors.
type APIError struct {
	StatusCode int
	Message    string
	Kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Home Assistant API error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap returns the sentinel error classifying this failure.
func (e *APIError) Unwrap() error {
	return e.Kind
}

// RESTClient talks to the REST API of a remote Home Assistant instance.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// RESTClientConfig configures the REST client.
type RESTClientConfig struct {
	// Timeout for HTTP requests (default: 30 seconds)
	Timeout time.Duration
	// VerifySSL enables TLS certificate verification.
	VerifySSL bool
}

// DefaultRESTClientConfig returns the default REST client configuration.
func DefaultRESTClientConfig() RESTClientConfig {
	return RESTClientConfig{
		Timeout:   30 * time.Second,
		VerifySSL: true,
	}
}

// BaseURL returns the http(s) base URL of a remote instance.
func BaseURL(host string, port int, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// NewRESTClient creates a new REST client with default configuration.
func NewRESTClient(baseURL, token string) *RESTClient {
	return NewRESTClientWithConfig(baseURL, token, DefaultRESTClientConfig())
}

// NewRESTClientWithConfig creates a new REST client with custom configuration.
func NewRESTClientWithConfig(baseURL, token string, config RESTClientConfig) *RESTClient {
	// Normalize base URL - remove trailing slash and ensure no /api suffix
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/api")

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &RESTClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: NewHTTPClient(timeout, config.VerifySSL),
	}
}

// FetchDiscoveryInfo verifies the credentials against GET /api/ and then
// reads GET /api/discovery_info.
func (c *RESTClient) FetchDiscoveryInfo(ctx context.Context) (*DiscoveryInfo, error) {
	status, body, err := c.get(ctx, "/api/", true)
	if err != nil {
		return nil, err
	}
	switch {
	case status >= 400 && status < 500:
		return nil, &APIError{StatusCode: status, Message: "unauthorized: invalid or expired credentials", Kind: ErrInvalidAuth}
	case status != http.StatusOK:
		return nil, &APIError{StatusCode: status, Message: bodyMessage(body), Kind: ErrAPIProblem}
	}

	status, body, err = c.get(ctx, "/api/discovery_info", false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Message: bodyMessage(body), Kind: ErrAPIProblem}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: discovery info is not an object: %s", ErrBadResponse, bodyMessage(body))
	}
	if _, ok := raw["uuid"]; !ok {
		return nil, ErrUnsupportedVersion
	}

	var info DiscoveryInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return &info, nil
}

func (c *RESTClient) get(ctx context.Context, path string, auth bool) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}
	defer func() {
		// Drain and close the response body to enable connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading response: %w", ErrCannotConnect, err)
	}
	return resp.StatusCode, body, nil
}

func bodyMessage(body []byte) string {
	s := string(bytes.TrimSpace(body))
	if s == "" {
		return noResponseBody
	}
	return s
}
