// internal/prism/client.go
package prism

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPort     = 9440
	defaultBasePath = "/PrismGateway/services/rest/v2.0"
)

// API is the slice of the Prism gateway the orchestrator drives. Two
// implementations exist: Client against a live cluster, and fakes in the
// topology/failover tests.
type API interface {
	Endpoint() string
	GetCluster(ctx context.Context) (ClusterInfo, error)
	GetHosts(ctx context.Context) ([]Host, error)
	GetProtectionDomains(ctx context.Context) ([]ProtectionDomain, error)
	GetRemoteSites(ctx context.Context) ([]RemoteSite, error)
	PromoteProtectionDomain(ctx context.Context, name string) (string, error)
	DisableMetro(ctx context.Context, name string) (string, error)
	EnableMetro(ctx context.Context, name string) (string, error)
	GetTask(ctx context.Context, uuid string) (Task, error)
}

// APIError is a non-2xx gateway response. Read failures outside convergence
// loops are fatal to the run, so callers mostly just propagate it.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("prism: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client issues authenticated calls against one Prism Element gateway
type Client struct {
	endpoint string
	base     string
	username string
	password string
	hc       *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests)
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithBaseURL overrides the derived https://<endpoint>:9440 base URL (tests)
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		c.base = strings.TrimRight(base, "/") + defaultBasePath
	}
}

// WithRateLimit caps the request rate against the gateway
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithLogger adds request logging
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the gateway at endpoint (IP or hostname).
// Management endpoints ship self-signed certificates, so certificate
// validation is disabled; TLS 1.2 is still the floor.
func NewClient(endpoint, username, password string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		base:     fmt.Sprintf("https://%s:%d%s", endpoint, defaultPort, defaultBasePath),
		username: username,
		password: password,
		hc: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion:         tls.VersionTLS12,
					InsecureSkipVerify: true, // self-signed management endpoint
				},
			},
		},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint returns the address the client was built for
func (c *Client) Endpoint() string {
	return c.endpoint
}

// GetCluster reads the cluster identity and health facts
func (c *Client) GetCluster(ctx context.Context) (ClusterInfo, error) {
	var info ClusterInfo
	err := c.do(ctx, http.MethodGet, "/cluster/", nil, nil, &info)
	return info, err
}

// GetHosts lists the storage-cluster nodes
func (c *Client) GetHosts(ctx context.Context) ([]Host, error) {
	var list listResponse[Host]
	if err := c.do(ctx, http.MethodGet, "/hosts/", nil, nil, &list); err != nil {
		return nil, err
	}
	return list.Entities, nil
}

// GetProtectionDomains lists all protection domains
func (c *Client) GetProtectionDomains(ctx context.Context) ([]ProtectionDomain, error) {
	var list listResponse[ProtectionDomain]
	if err := c.do(ctx, http.MethodGet, "/protection_domains/", nil, nil, &list); err != nil {
		return nil, err
	}
	return list.Entities, nil
}

// GetRemoteSites lists the configured replication peers
func (c *Client) GetRemoteSites(ctx context.Context) ([]RemoteSite, error) {
	var list listResponse[RemoteSite]
	if err := c.do(ctx, http.MethodGet, "/remote_sites/", nil, nil, &list); err != nil {
		return nil, err
	}
	return list.Entities, nil
}

// PromoteProtectionDomain force-promotes the standby replica of the named
// domain on this cluster. Issued against the site taking over.
func (c *Client) PromoteProtectionDomain(ctx context.Context, name string) (string, error) {
	var ref taskRef
	q := url.Values{"force": {"true"}}
	path := fmt.Sprintf("/protection_domains/%s/promote", url.PathEscape(name))
	if err := c.do(ctx, http.MethodPost, path, q, struct{}{}, &ref); err != nil {
		return "", err
	}
	return ref.TaskUUID, nil
}

// DisableMetro disables metro availability for the named domain
func (c *Client) DisableMetro(ctx context.Context, name string) (string, error) {
	var ref taskRef
	path := fmt.Sprintf("/protection_domains/%s/metro_avail_disable", url.PathEscape(name))
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &ref); err != nil {
		return "", err
	}
	return ref.TaskUUID, nil
}

// EnableMetro re-enables metro availability for the named domain
func (c *Client) EnableMetro(ctx context.Context, name string) (string, error) {
	var ref taskRef
	q := url.Values{"re_enable": {"true"}}
	path := fmt.Sprintf("/protection_domains/%s/metro_avail_enable", url.PathEscape(name))
	if err := c.do(ctx, http.MethodPost, path, q, struct{}{}, &ref); err != nil {
		return "", err
	}
	return ref.TaskUUID, nil
}

// GetTask reads one asynchronous task handle
func (c *Client) GetTask(ctx context.Context, uuid string) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(uuid), nil, nil, &t)
	return t, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("prism: rate limiter: %w", err)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("prism: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("prism: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("prism request",
		zap.String("method", method),
		zap.String("endpoint", c.endpoint),
		zap.String("path", path))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("prism: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("prism: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Body:   strings.TrimSpace(string(data)),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("prism: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
