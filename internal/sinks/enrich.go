package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type enrichCacheEntry struct {
	isp      string
	cachedAt time.Time
}

// ISPEnricher looks up the ISP for an IP against a configured HTTP
// endpoint, caching results for cacheTTL. A cache miss is fetched
// synchronously, so the caller waits for the request, up to the client
// timeout. A failed or timed-out lookup omits the field from detail views.
type ISPEnricher struct {
	baseURL  string
	client   *http.Client
	cacheTTL time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string]enrichCacheEntry
}

// NewISPEnricher creates an ISPEnricher against baseURL, which is queried
// as "<baseURL>?ip=<ip>" and expected to return {"isp": "..."}.
func NewISPEnricher(baseURL string, timeout, cacheTTL time.Duration, log zerolog.Logger) *ISPEnricher {
	return &ISPEnricher{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		cacheTTL: cacheTTL,
		log:      log.With().Str("component", "enrich").Logger(),
		cache:    make(map[string]enrichCacheEntry),
	}
}

// LookupISP returns the cached or freshly fetched ISP name for ip. The
// second return value is false when no ISP could be determined.
func (e *ISPEnricher) LookupISP(ip string) (string, bool) {
	if cached, ok := e.cached(ip); ok {
		return cached, true
	}

	isp, err := e.fetch(ip)
	if err != nil {
		e.log.Debug().Err(err).Str("ip", ip).Msg("isp lookup failed")
		return "", false
	}

	e.mu.Lock()
	e.cache[ip] = enrichCacheEntry{isp: isp, cachedAt: time.Now()}
	e.mu.Unlock()

	return isp, isp != ""
}

func (e *ISPEnricher) cached(ip string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[ip]
	if !ok || time.Since(entry.cachedAt) > e.cacheTTL {
		return "", false
	}
	return entry.isp, entry.isp != ""
}

func (e *ISPEnricher) fetch(ip string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	reqURL := e.baseURL + "?ip=" + url.QueryEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build enrich request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send enrich request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("enrich endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		ISP string `json:"isp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode enrich response: %w", err)
	}
	return payload.ISP, nil
}
