// Package hierarchy is the boundary to the token registry that owns the
// entity graph. The engine needs exactly two read-only questions answered:
// whether an entity still has active dependents, and which ids those
// dependents are. Production points Client at the registry service over
// HTTP; development and tests use the gorm-backed LocalStore.
package hierarchy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client answers dependency queries about registry entities.
type Client interface {
	// HasActiveDependents reports whether entityID has at least one
	// dependent entity that is still active.
	HasActiveDependents(ctx context.Context, entityID string) (bool, error)
	// ListDependents returns the ids of entityID's active dependents.
	ListDependents(ctx context.Context, entityID string) ([]string, error)
}

// HTTPClient queries a remote registry over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the registry at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type dependentsResponse struct {
	EntityID   string   `json:"entityId"`
	Dependents []string `json:"dependents"`
}

// ListDependents calls GET /entities/{id}/dependents on the registry.
func (c *HTTPClient) ListDependents(ctx context.Context, entityID string) ([]string, error) {
	path := fmt.Sprintf("%s/entities/%s/dependents", c.baseURL, url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("build dependents request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query dependents of %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("registry returned %d for %s: %s", resp.StatusCode, entityID, string(body))
	}

	var out dependentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode dependents response: %w", err)
	}
	return out.Dependents, nil
}

// HasActiveDependents is derived from ListDependents so the registry only
// has to expose one endpoint.
func (c *HTTPClient) HasActiveDependents(ctx context.Context, entityID string) (bool, error) {
	deps, err := c.ListDependents(ctx, entityID)
	if err != nil {
		return false, err
	}
	return len(deps) > 0, nil
}
