package transcription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yegors/whisper-gateway/internal/metrics"
	"github.com/yegors/whisper-gateway/pkg/logger"
)

// ModelCache keeps loaded models for the lifetime of the process, keyed by
// model and device. Concurrent first requests for the same key share a
// single Engine.Load call; failed loads are not cached.
type ModelCache struct {
	engine      Engine
	loadTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *logger.Logger

	mu     sync.RWMutex
	models map[string]Model
	group  singleflight.Group
}

// NewModelCache creates an empty cache in front of engine
func NewModelCache(engine Engine, loadTimeout time.Duration, m *metrics.Metrics, logger *logger.Logger) *ModelCache {
	return &ModelCache{
		engine:      engine,
		loadTimeout: loadTimeout,
		metrics:     m,
		logger:      logger.Named("model-cache"),
		models:      make(map[string]Model),
	}
}

// CacheKey identifies a loaded model
func CacheKey(model, device string) string {
	return model + "_" + device
}

// Get returns the cached model for (model, device), loading it if needed
func (c *ModelCache) Get(ctx context.Context, model, device string) (Model, error) {
	key := CacheKey(model, device)

	c.mu.RLock()
	m, ok := c.models[key]
	c.mu.RUnlock()
	if ok {
		if alive(m) {
			return m, nil
		}
		c.evict(key, m)
	}

	// DoChan lets a waiting caller give up without aborting the shared load
	ch := c.group.DoChan(key, func() (any, error) {
		// Another flight may have finished between the read above and now
		c.mu.RLock()
		m, ok := c.models[key]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}
		return c.load(model, device, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for %s: %w", ErrModelLoad, key, ctx.Err())
	}
}

// load runs detached from any single request so one disconnecting caller
// does not fail the load for everyone waiting on it
func (c *ModelCache) load(model, device, key string) (Model, error) {
	ctx := context.Background()
	if c.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.loadTimeout)
		defer cancel()
	}

	c.logger.Info("Loading model",
		logger.String("model", model),
		logger.String("device", device))
	start := time.Now()

	m, err := c.engine.Load(ctx, model, device)
	c.metrics.ObserveModelLoad(ctx, model, device, err)
	if err != nil {
		c.logger.Error("Failed to load model",
			logger.String("model", model),
			logger.String("device", device),
			logger.Error(err))
		return nil, fmt.Errorf("%w: %s on %s: %w", ErrModelLoad, model, device, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: engine returned no model for %s", ErrModelLoad, key)
	}

	c.mu.Lock()
	c.models[key] = m
	c.mu.Unlock()

	c.logger.Info("Model loaded successfully",
		logger.String("model", model),
		logger.String("device", device),
		logger.Duration("duration", time.Since(start)))
	return m, nil
}

// prober is implemented by models that can die after loading, such as
// worker processes
type prober interface {
	Alive() bool
}

func alive(m Model) bool {
	p, ok := m.(prober)
	return !ok || p.Alive()
}

// evict drops a dead model so the next Get reloads it
func (c *ModelCache) evict(key string, m Model) {
	c.mu.Lock()
	cur, ok := c.models[key]
	if ok && cur == m {
		delete(c.models, key)
	}
	c.mu.Unlock()
	if !ok || cur != m {
		return
	}

	c.logger.Warn("Evicting dead model", logger.String("key", key))
	if err := m.Close(); err != nil {
		c.logger.Debug("Failed to close dead model", logger.String("key", key), logger.Error(err))
	}
}

// Loaded returns the keys of every loaded model, sorted
func (c *ModelCache) Loaded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.models))
	for k := range c.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close releases every loaded model. The cache must not be used afterwards.
func (c *ModelCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for key, m := range c.models {
		if err := m.Close(); err != nil {
			c.logger.Error("Failed to close model", logger.String("key", key), logger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(c.models, key)
	}
	return firstErr
}
