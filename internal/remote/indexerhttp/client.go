// Package indexerhttp implements the remote.Indexer interface over the
// indexer's HTTP read API.
package indexerhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/schema"

	"github.com/gillohner/eventky-sub000/pkg/model"
)

// Config holds the indexer client configuration.
type Config struct {
	// BaseURL of the indexer read API, e.g. "https://indexer.example.com".
	BaseURL string `yaml:"base_url"`

	// Timeout for a single fetch request.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default indexer client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
	}
}

// Client fetches entities from the indexer read API.
type Client struct {
	base    *url.URL
	httpc   *http.Client
	encoder *schema.Encoder
}

// New creates a Client against cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("indexer base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid indexer base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Client{
		base:    base,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		encoder: schema.NewEncoder(),
	}, nil
}

// fetchResponse is the wire shape of a single-entity read.
type fetchResponse struct {
	Entity    *model.Entity   `json:"entity"`
	Relations model.Relations `json:"relations"`
}

// FetchEntity implements remote.Indexer. Relation limits ride as query
// parameters; a 404 maps to model.ErrNotFound, meaning the indexer has not
// ingested the entity yet.
func (c *Client) FetchEntity(ctx context.Context, key model.Key, variant model.Variant) (*model.Entity, model.Relations, error) {
	u := c.base.JoinPath("v1", "entities", url.PathEscape(key.AuthorID), url.PathEscape(key.EntityID))

	query := url.Values{}
	if err := c.encoder.Encode(variant, query); err != nil {
		return nil, model.Relations{}, fmt.Errorf("failed to encode query variant: %w", err)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, model.Relations{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, model.Relations{}, fmt.Errorf("indexer fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.Relations{}, statusToError(resp)
	}

	var body fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, model.Relations{}, fmt.Errorf("failed to decode indexer response: %w", err)
	}
	if body.Entity == nil {
		return nil, model.Relations{}, fmt.Errorf("indexer response carried no entity")
	}
	return body.Entity, body.Relations, nil
}

// statusToError converts non-200 responses to domain errors.
func statusToError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ErrAuthenticationRequired
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("indexer returned %d: %s", resp.StatusCode, msg)
	}
}
