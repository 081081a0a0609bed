package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yndnr/lockmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/lockmesh-go/internal/server/httpserver/handler"
)

// AdminClient talks to one node's admin HTTP server.
type AdminClient struct {
	baseURL string
	client  *http.Client
}

// NewAdminClient creates a client for addr ("host:port" or a URL).
func NewAdminClient(addr string, timeout time.Duration) *AdminClient {
	baseURL := addr
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &AdminClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the base URL of the client.
func (c *AdminClient) BaseURL() string {
	return c.baseURL
}

// Health fetches GET /health.
func (c *AdminClient) Health(ctx context.Context) (*handler.HealthResponse, error) {
	var out handler.HealthResponse
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Nodes fetches GET /v1/nodes.
func (c *AdminClient) Nodes(ctx context.Context) (*handler.NodesResponse, error) {
	var out handler.NodesResponse
	if err := c.get(ctx, "/v1/nodes", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recovery fetches GET /v1/domains/{name}/recovery.
func (c *AdminClient) Recovery(ctx context.Context, domain string) (*handler.RecoveryResponse, error) {
	var out handler.RecoveryResponse
	if err := c.get(ctx, "/v1/domains/"+url.PathEscape(domain)+"/recovery", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AdminClient) get(ctx context.Context, path string, data any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "lockmesh-node/"+buildinfo.Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	return ParseResponse(resp, data)
}

// ParseResponse decodes an enveloped response into data. Error envelopes
// become errors carrying the code and message.
func ParseResponse(resp *http.Response, data any) error {
	defer resp.Body.Close()

	env := handler.Response{Data: data}
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode >= 400 {
		if decodeErr == nil && env.Message != "" {
			return fmt.Errorf("[%s] %s", env.Code, env.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("parse response: %w", decodeErr)
	}
	return nil
}
