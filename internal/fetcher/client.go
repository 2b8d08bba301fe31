// Package fetcher implements crawler.Fetcher against the ICD entity endpoint.
package fetcher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"icdgraph/internal/crawler"
	"icdgraph/internal/errors"
	"icdgraph/internal/graph"
	"icdgraph/internal/version"
)

const (
	// DefaultURIPrefix is the Foundation namespace; the prefix itself names the root.
	DefaultURIPrefix = "http://id.who.int/icd/entity"

	entityPath = "/icd/entity"

	// maxBodySize caps a single entity response.
	maxBodySize = 8 << 20
)

// Config describes how to reach the entity API.
type Config struct {
	BaseURL    string
	APIVersion string
	Language   string
	URIPrefix  string
	// HTTPClient is used for every request; nil selects a client with a 60s timeout.
	HTTPClient *http.Client
}

// Client fetches single entities over HTTP.
type Client struct {
	baseURL    string
	apiVersion string
	language   string
	uriPrefix  string
	http       *http.Client
}

var _ crawler.Fetcher = (*Client)(nil)

// NewClient creates a client. Empty fields fall back to the local API container
// defaults (v2, English).
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		language:   cfg.Language,
		uriPrefix:  strings.TrimRight(cfg.URIPrefix, "/"),
		http:       cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = "http://localhost:80"
	}
	if c.apiVersion == "" {
		c.apiVersion = "v2"
	}
	if c.language == "" {
		c.language = "en"
	}
	if c.uriPrefix == "" {
		c.uriPrefix = DefaultURIPrefix
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	return c
}

// entityResponse is the subset of the entity document the crawler needs.
type entityResponse struct {
	Title *struct {
		Value string `json:"@value"`
	} `json:"title"`
	Parent []string `json:"parent"`
	Child  []string `json:"child"`
}

// URL returns the endpoint for id.
func (c *Client) URL(id string) string {
	if id == graph.RootID {
		return c.baseURL + entityPath
	}
	return c.baseURL + entityPath + "/" + id
}

// Fetch retrieves one entity. Every failure is reported as FETCH_FAILED, or
// TIMEOUT when ctx's deadline expired.
func (c *Client) Fetch(ctx context.Context, id string) (*crawler.Entity, error) {
	url := c.URL(id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewError(errors.FetchFailed, "failed to create request", err)
	}
	req.Header.Set("API-Version", c.apiVersion)
	req.Header.Set("Accept-Language", c.language)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, errors.Errorf(errors.FetchFailed, "%s -> %d", url, resp.StatusCode).
			WithDetails(map[string]interface{}{"id": id, "status": resp.StatusCode})
	}

	var body entityResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, c.transportError(ctx, url, ctxErr)
		}
		return nil, errors.NewError(errors.FetchFailed, fmt.Sprintf("%s: invalid entity document", url), err)
	}

	title := graph.UnknownTitle
	if body.Title != nil && body.Title.Value != "" {
		title = body.Title.Value
	}

	return &crawler.Entity{
		Title:     title,
		ParentIDs: c.mapIDs(body.Parent),
		ChildIDs:  c.mapIDs(body.Child),
	}, nil
}

func (c *Client) transportError(ctx context.Context, url string, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewError(errors.Timeout, url+" timed out", err)
	}
	return errors.NewError(errors.FetchFailed, url+" request failed", err)
}

// mapIDs converts URIs to ids, dropping URIs that carry no id.
func (c *Client) mapIDs(uris []string) []string {
	ids := make([]string, 0, len(uris))
	for _, u := range uris {
		if id := ExtractIDWithPrefix(u, c.uriPrefix); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExtractID maps a Foundation URI to an entity id using DefaultURIPrefix.
func ExtractID(uri string) string {
	return ExtractIDWithPrefix(uri, DefaultURIPrefix)
}

// ExtractIDWithPrefix maps uri to an id: the prefix itself is the root, anything
// else is its last path segment. Trailing slashes are ignored; a URI without any
// segment maps to "".
func ExtractIDWithPrefix(uri, prefix string) string {
	trimmed := strings.TrimRight(uri, "/")
	if trimmed == strings.TrimRight(prefix, "/") {
		return graph.RootID
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
