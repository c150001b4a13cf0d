// Package discovery finds eligibility claims posted on social media. A
// poller periodically searches for claim posts, extracts tickets from
// their text, and feeds them into the claim store.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClaimEvent is one discovered claim post.
type ClaimEvent struct {
	ID         string
	Text       string
	AuthorName string
	AuthorID   string
}

// Client searches for claim posts newer than sinceID and returns them
// oldest first, along with the cursor to use for the next search.
type Client interface {
	SearchClaims(ctx context.Context, query, sinceID string) ([]ClaimEvent, string, error)
}

type HTTPClientConfig struct {
	Logger      *slog.Logger
	BaseURL     string
	BearerToken string
}

func (cfg *HTTPClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.BearerToken == "" {
		return errors.New("bearer token is required")
	}
	return nil
}

// HTTPClient implements Client against a Twitter-v2-style recent-search
// endpoint.
type HTTPClient struct {
	log        *slog.Logger
	cfg        HTTPClientConfig
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{
		log: cfg.Logger,
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type searchResponse struct {
	Data []struct {
		ID       string `json:"id"`
		Text     string `json:"text"`
		AuthorID string `json:"author_id"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID string `json:"newest_id"`
	} `json:"meta"`
}

func (c *HTTPClient) SearchClaims(ctx context.Context, query, sinceID string) ([]ClaimEvent, string, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("expansions", "author_id")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/2/tweets/search/recent?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to search claims: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, "", fmt.Errorf("failed to decode search response: %w", err)
	}

	names := make(map[string]string, len(sr.Includes.Users))
	for _, u := range sr.Includes.Users {
		names[u.ID] = u.Name
	}

	// The API returns newest first; reverse so callers process in posting
	// order.
	events := make([]ClaimEvent, 0, len(sr.Data))
	for i := len(sr.Data) - 1; i >= 0; i-- {
		d := sr.Data[i]
		events = append(events, ClaimEvent{
			ID:         d.ID,
			Text:       d.Text,
			AuthorName: names[d.AuthorID],
			AuthorID:   d.AuthorID,
		})
	}

	next := sinceID
	if sr.Meta.NewestID != "" {
		next = sr.Meta.NewestID
	}
	return events, next, nil
}
