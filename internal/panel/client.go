// Package panel implements the HTTP client the roster cache (C4) uses to
// paginate the external control panel's user roster. The panel itself —
// its auth scheme, pagination shape, and response fields — is an external
// collaborator; this client adapts one concrete panel's HTTP API to the
// core's roster.Fetcher contract.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/fxshare/detectord/internal/roster"
)

// Client fetches paginated roster pages from a panel exposing a
// GET /api/users?start=<n>&size=<n> endpoint guarded by a bearer token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// New creates a panel Client.
func New(baseURL, token string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  httpClient,
		log:     log.With().Str("component", "panel").Logger(),
	}
}

type userPage struct {
	Users []panelUser `json:"users"`
}

type panelUser struct {
	Email       string `json:"email"`
	DeviceLimit int    `json:"device_limit"`
	TelegramID  string `json:"telegram_id"`
	Description string `json:"description"`
}

// Fetch retrieves one page of the roster, implementing roster.Fetcher.
// The fetcher owns auth and header shaping per spec.md §4.4; the roster
// cache only paginates and aggregates.
func (c *Client) Fetch(ctx context.Context, start, size int) ([]roster.Entry, error) {
	url := fmt.Sprintf("%s/api/users?start=%s&size=%s", c.baseURL, strconv.Itoa(start), strconv.Itoa(size))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build roster request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send roster request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("panel returned status %d", resp.StatusCode)
	}

	var page userPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode roster page: %w", err)
	}

	out := make([]roster.Entry, 0, len(page.Users))
	for _, u := range page.Users {
		out = append(out, roster.Entry{
			Email:       u.Email,
			DeviceLimit: u.DeviceLimit,
			TelegramID:  u.TelegramID,
			Description: u.Description,
		})
	}
	return out, nil
}
