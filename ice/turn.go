// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// defaultFetchTimeout bounds one credential fetch so a slow
	// provider never delays session startup.
	defaultFetchTimeout = 5 * time.Second

	// defaultCredentialTTL is how long fetched credentials are reused
	// before a refresh. Providers hand out credentials valid for
	// hours; refreshing well inside that window is enough.
	defaultCredentialTTL = time.Hour

	// maxCredentialBody caps the provider response size.
	maxCredentialBody = 1 << 20
)

// turnServer is one entry of the provider response. Urls arrives as
// either a single string or an array depending on the provider.
type turnServer struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func (s *turnServer) urlList() ([]string, error) {
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(s.URLs, &many); err != nil {
		return nil, fmt.Errorf("ice: turn server urls: %w", err)
	}
	return many, nil
}

// CredentialClient fetches short-lived TURN credentials from a
// provider endpoint and caches them with a TTL. A failed refresh falls
// back to the stale cache so a provider outage degrades rather than
// breaks relay connectivity.
type CredentialClient struct {
	endpoint string
	apiKey   string
	ttl      time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu        sync.Mutex
	cached    []webrtc.ICEServer
	fetchedAt time.Time
}

// NewCredentialClient creates a client for the given provider
// endpoint. A zero ttl uses the default.
func NewCredentialClient(endpoint, apiKey string, ttl time.Duration, logger *slog.Logger) *CredentialClient {
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		ttl:      ttl,
		client:   &http.Client{Timeout: defaultFetchTimeout},
		logger:   logger,
	}
}

// Servers returns TURN servers, from cache when fresh, otherwise by
// fetching. On fetch failure a stale cache is returned with a nil
// error; the error is only surfaced when there is nothing to fall
// back to.
func (c *CredentialClient) Servers(ctx context.Context) ([]webrtc.ICEServer, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.fetchedAt) < c.ttl {
		servers := c.cached
		c.mu.Unlock()
		return servers, nil
	}
	stale := c.cached
	c.mu.Unlock()

	servers, err := c.fetch(ctx)
	if err != nil {
		if stale != nil {
			c.logger.Warn("turn credential refresh failed, using stale cache", "error", err)
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cached = servers
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return servers, nil
}

// Cached returns the cached servers regardless of freshness, and
// whether any exist. Forced relay uses this: a relay attempt with
// expired credentials still beats no attempt.
func (c *CredentialClient) Cached() ([]webrtc.ICEServer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached, c.cached != nil
}

func (c *CredentialClient) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()

	endpoint := c.endpoint
	if c.apiKey != "" {
		separator := "?"
		if u, err := url.Parse(endpoint); err == nil && u.RawQuery != "" {
			separator = "&"
		}
		endpoint += separator + "apikey=" + url.QueryEscape(c.apiKey)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ice: building credential request: %w", err)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("ice: fetching turn credentials: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice: credential endpoint returned %s", response.Status)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxCredentialBody))
	if err != nil {
		return nil, fmt.Errorf("ice: reading credential response: %w", err)
	}
	var entries []turnServer
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("ice: parsing credential response: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("ice: credential endpoint returned no servers")
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for _, entry := range entries {
		urls, err := entry.urlList()
		if err != nil {
			return nil, err
		}
		server := webrtc.ICEServer{URLs: urls}
		if entry.Username != "" {
			server.Username = entry.Username
			server.Credential = entry.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}
