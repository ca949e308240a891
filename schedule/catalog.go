package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Catalog kinds served by the upstream API.
const (
	CatalogUnits   = "units"
	CatalogItems   = "items"
	CatalogTraders = "traders"
	CatalogQuests  = "quests"
)

// CatalogKinds lists every supported catalog.
var CatalogKinds = []string{CatalogUnits, CatalogItems, CatalogTraders, CatalogQuests}

const catalogTTL = 6 * time.Hour

// CatalogEntry is one record from a static game-data catalog.
type CatalogEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

type cachedCatalog struct {
	fetchedAt time.Time
	entries   []CatalogEntry
}

// Catalogs caches the static catalogs in memory, refreshing a catalog in
// bulk when its cache entry goes stale.
type Catalogs struct {
	client *Client
	mu     sync.Mutex
	cache  map[string]cachedCatalog
}

// NewCatalogs creates a catalog cache backed by the given feed client.
func NewCatalogs(client *Client) *Catalogs {
	return &Catalogs{
		client: client,
		cache:  make(map[string]cachedCatalog),
	}
}

// Lookup returns catalog entries whose name contains the query,
// case-insensitively. The catalog is fetched in bulk on first use and
// refreshed after its TTL; a stale cache is served when a refresh fails.
func (c *Catalogs) Lookup(ctx context.Context, kind, query string) ([]CatalogEntry, error) {
	entries, err := c.catalog(ctx, kind)
	if err != nil {
		return nil, err
	}

	want := strings.ToLower(strings.TrimSpace(query))
	var matches []CatalogEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name), want) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

func (c *Catalogs) catalog(ctx context.Context, kind string) ([]CatalogEntry, error) {
	if !validKind(kind) {
		return nil, fmt.Errorf("unknown catalog %q", kind)
	}

	c.mu.Lock()
	cached, ok := c.cache[kind]
	c.mu.Unlock()

	if ok && time.Since(cached.fetchedAt) < catalogTTL {
		return cached.entries, nil
	}

	entries, err := c.fetch(ctx, kind)
	if err != nil {
		if ok {
			c.client.logger.Warn("Catalog refresh failed, serving stale cache",
				"catalog", kind,
				"age", time.Since(cached.fetchedAt).String(),
				"error", err)
			return cached.entries, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cache[kind] = cachedCatalog{fetchedAt: time.Now(), entries: entries}
	c.mu.Unlock()

	return entries, nil
}

func (c *Catalogs) fetch(ctx context.Context, kind string) ([]CatalogEntry, error) {
	raw, err := c.client.get(ctx, c.client.baseURL+"/"+kind)
	if err != nil {
		return nil, err
	}

	var body struct {
		Data []CatalogEntry `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode %s catalog: %w", kind, err)
	}
	if body.Data == nil {
		return nil, errors.New("catalog missing data array")
	}

	c.client.logger.Info("Catalog fetched", "catalog", kind, "entries", len(body.Data))
	return body.Data, nil
}

func validKind(kind string) bool {
	for _, k := range CatalogKinds {
		if k == kind {
			return true
		}
	}
	return false
}
