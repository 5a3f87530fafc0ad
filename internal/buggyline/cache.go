package buggyline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CachedResponse is a previously fetched read, served by the background
// worker when the network is unreachable.
type CachedResponse struct {
	URL         string            `json:"url"`
	StatusCode  int               `json:"statusCode"`
	ContentType string            `json:"contentType,omitempty"`
	Body        []byte            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	StoredAt    string            `json:"storedAt"`
	ExpiresAt   string            `json:"expiresAt"`
}

func (r CachedResponse) Expired(now time.Time) bool {
	expires, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
	if err != nil {
		return true
	}
	return !now.Before(expires)
}

// ResponseCache stores read responses keyed by URL with a TTL. Expired
// entries behave as absent.
type ResponseCache interface {
	Put(resp CachedResponse, ttl time.Duration) error
	Get(url string) (CachedResponse, bool)
	Delete(url string) error
	Prune() int
	Close() error
}

type inMemoryResponseCache struct {
	mu      sync.Mutex
	entries map[string]CachedResponse
}

func NewInMemoryResponseCache() ResponseCache {
	return &inMemoryResponseCache{entries: map[string]CachedResponse{}}
}

func (c *inMemoryResponseCache) Put(resp CachedResponse, ttl time.Duration) error {
	resp, err := prepareCachedResponse(resp, ttl)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[resp.URL] = resp
	return nil
}

func (c *inMemoryResponseCache) Get(url string) (CachedResponse, bool) {
	url = strings.TrimSpace(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[url]
	if !ok || entry.Expired(time.Now().UTC()) {
		// Expired entries behave as absent; Prune owns eviction.
		return CachedResponse{}, false
	}
	return entry, true
}

func (c *inMemoryResponseCache) Delete(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, strings.TrimSpace(url))
	return nil
}

func (c *inMemoryResponseCache) Prune() int {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for url, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, url)
			pruned++
		}
	}
	return pruned
}

func (c *inMemoryResponseCache) Close() error {
	return nil
}

type fileResponseCache struct {
	path    string
	mu      sync.Mutex
	entries map[string]CachedResponse
}

type fileResponseCacheState struct {
	Entries map[string]CachedResponse `json:"entries"`
}

func NewFileResponseCache(path string) (ResponseCache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	c := &fileResponseCache{path: path, entries: map[string]CachedResponse{}}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *fileResponseCache) Put(resp CachedResponse, ttl time.Duration) error {
	resp, err := prepareCachedResponse(resp, ttl)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, existed := c.entries[resp.URL]
	c.entries[resp.URL] = resp
	if err := c.saveLocked(); err != nil {
		if existed {
			c.entries[resp.URL] = previous
		} else {
			delete(c.entries, resp.URL)
		}
		return err
	}
	return nil
}

func (c *fileResponseCache) Get(url string) (CachedResponse, bool) {
	url = strings.TrimSpace(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[url]
	if !ok || entry.Expired(time.Now().UTC()) {
		return CachedResponse{}, false
	}
	return entry, true
}

func (c *fileResponseCache) Delete(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, strings.TrimSpace(url))
	return c.saveLocked()
}

func (c *fileResponseCache) Prune() int {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for url, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, url)
			pruned++
		}
	}
	if pruned > 0 {
		_ = c.saveLocked()
	}
	return pruned
}

func (c *fileResponseCache) Close() error {
	return nil
}

func (c *fileResponseCache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state fileResponseCacheState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Entries == nil {
		state.Entries = map[string]CachedResponse{}
	}
	c.entries = state.Entries
	return nil
}

func (c *fileResponseCache) saveLocked() error {
	data, err := json.Marshal(fileResponseCacheState{Entries: c.entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(c.path, data, 0o644)
}

func prepareCachedResponse(resp CachedResponse, ttl time.Duration) (CachedResponse, error) {
	resp.URL = strings.TrimSpace(resp.URL)
	if resp.URL == "" {
		return CachedResponse{}, ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now().UTC()
	if resp.StoredAt == "" {
		resp.StoredAt = now.Format(time.RFC3339Nano)
	}
	resp.ExpiresAt = now.Add(ttl).Format(time.RFC3339Nano)
	if resp.StatusCode == 0 {
		resp.StatusCode = 200
	}
	return resp, nil
}
