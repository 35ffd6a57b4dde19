package gorm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/recordkit/internal/config"
)

// Registry holds one Store per data source key.
type Registry struct {
	stores map[string]*Store
	mu     sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// OpenRegistry opens every data source in cfg concurrently. If any fails, the
// ones already opened are closed again.
func OpenRegistry(ctx context.Context, cfg *config.Config) (*Registry, error) {
	reg := NewRegistry()

	g, _ := errgroup.WithContext(ctx)
	for _, key := range cfg.Keys() {
		storeCfg := ConfigFromDataSource(key, cfg.DataSources[key])
		g.Go(func() error {
			store, err := NewStore(storeCfg)
			if err != nil {
				return err
			}
			reg.Add(store)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if closeErr := reg.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Closing partially opened data sources")
		}
		return nil, err
	}
	return reg, nil
}

// Add registers store under its key, replacing any previous one.
func (r *Registry) Add(store *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[store.Key] = store
}

// Get returns the store registered under key.
func (r *Registry) Get(key string) (*Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDataSource, key)
	}
	return store, nil
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.stores))
	for k := range r.stores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PingAll pings every store concurrently and returns the first failure.
func (r *Registry) PingAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range r.Keys() {
		store, err := r.Get(key)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("ping %q: %w", store.Key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// HealthCheck returns health information for every store, keyed by data source.
func (r *Registry) HealthCheck(ctx context.Context) map[string]*HealthInfo {
	keys := r.Keys()
	out := make(map[string]*HealthInfo, len(keys))

	var mu sync.Mutex
	var g errgroup.Group
	for _, key := range keys {
		store, err := r.Get(key)
		if err != nil {
			continue
		}
		g.Go(func() error {
			info := store.HealthCheck(ctx)
			mu.Lock()
			out[store.Key] = info
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Close closes all stores and clears the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, store := range r.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", key, err))
		}
	}
	r.stores = make(map[string]*Store)
	return errors.Join(errs...)
}
