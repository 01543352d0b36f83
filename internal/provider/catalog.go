package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"taskdeck/internal/logging"
)

// catalogTTL is the freshness window for both the in-memory and on-disk
// model caches.
const catalogTTL = time.Hour

// FetchFunc retrieves the live model list from the backend.
type FetchFunc func(ctx context.Context) ([]Model, error)

// Catalog serves a provider's model list with layered fallback:
// environment override (highest priority, bypasses every cache), fresh
// memory cache, fresh disk cache, live fetch, then stale memory, stale
// disk, and finally the hardcoded minimal list.
type Catalog struct {
	providerID string
	cacheDir   string
	fetch      FetchFunc
	fallback   []Model

	mu       sync.Mutex
	cached   []Model
	cachedAt time.Time

	sf singleflight.Group
}

// NewCatalog creates a model catalog for one provider. cacheDir may be
// empty to disable the disk cache; fetch may be nil for adapters with a
// static model list.
func NewCatalog(providerID, cacheDir string, fetch FetchFunc, fallback []Model) *Catalog {
	return &Catalog{
		providerID: providerID,
		cacheDir:   cacheDir,
		fetch:      fetch,
		fallback:   fallback,
	}
}

type diskCache struct {
	Provider  string    `json:"provider"`
	FetchedAt time.Time `json:"fetched_at"`
	Models    []Model   `json:"models"`
}

// Models resolves the model list.
func (c *Catalog) Models(ctx context.Context) ([]Model, error) {
	if models := c.envOverride(); models != nil {
		return models, nil
	}

	c.mu.Lock()
	if c.cached != nil && time.Since(c.cachedAt) < catalogTTL {
		models := c.cached
		c.mu.Unlock()
		return models, nil
	}
	c.mu.Unlock()

	if models, at, err := c.readDisk(); err == nil && time.Since(at) < catalogTTL {
		c.remember(models, at)
		return models, nil
	}

	if c.fetch != nil {
		v, err, _ := c.sf.Do("fetch", func() (interface{}, error) {
			return c.fetch(ctx)
		})
		if err == nil {
			models := v.([]Model)
			now := time.Now()
			c.remember(models, now)
			c.writeDisk(models, now)
			return models, nil
		}
		logging.Get(logging.CategoryProvider).Warnf(
			"%s: model fetch failed, falling back: %v", c.providerID, err)
	}

	// Fetch failed or absent: stale memory, then stale disk, then the
	// hardcoded list.
	c.mu.Lock()
	if c.cached != nil {
		models := c.cached
		c.mu.Unlock()
		return models, nil
	}
	c.mu.Unlock()

	if models, at, err := c.readDisk(); err == nil {
		c.remember(models, at)
		return models, nil
	}

	if len(c.fallback) > 0 {
		return c.fallback, nil
	}
	return nil, fmt.Errorf("%s: no model catalog available", c.providerID)
}

// envOverride reads TASKDECK_MODELS_<PROVIDER> as a comma-separated id
// list. Set, it wins over every cache and fetch.
func (c *Catalog) envOverride() []Model {
	key := "TASKDECK_MODELS_" + strings.ToUpper(strings.ReplaceAll(c.providerID, "-", "_"))
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var models []Model
	for i, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		models = append(models, Model{ID: id, Default: i == 0})
	}
	return models
}

func (c *Catalog) remember(models []Model, at time.Time) {
	c.mu.Lock()
	c.cached = models
	c.cachedAt = at
	c.mu.Unlock()
}

func (c *Catalog) diskPath() string {
	return filepath.Join(c.cacheDir, "models-"+c.providerID+".json")
}

func (c *Catalog) readDisk() ([]Model, time.Time, error) {
	if c.cacheDir == "" {
		return nil, time.Time{}, os.ErrNotExist
	}
	data, err := os.ReadFile(c.diskPath())
	if err != nil {
		return nil, time.Time{}, err
	}
	var dc diskCache
	if err := json.Unmarshal(data, &dc); err != nil {
		return nil, time.Time{}, err
	}
	if len(dc.Models) == 0 {
		return nil, time.Time{}, os.ErrNotExist
	}
	return dc.Models, dc.FetchedAt, nil
}

func (c *Catalog) writeDisk(models []Model, at time.Time) {
	if c.cacheDir == "" {
		return
	}
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		logging.Get(logging.CategoryProvider).Debugf("catalog cache dir: %v", err)
		return
	}
	data, err := json.MarshalIndent(diskCache{
		Provider:  c.providerID,
		FetchedAt: at,
		Models:    models,
	}, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.diskPath(), data, 0o644); err != nil {
		logging.Get(logging.CategoryProvider).Debugf("catalog cache write: %v", err)
	}
}
