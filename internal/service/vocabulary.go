// Package service implements metadata refresh, entity reconciliation and
// statistics backfill.
package service

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/repository"
)

// Vocabulary caches entity type and category ids for one batch run.
//
// Rows created through it are committed immediately by the store, so an id
// returned once stays valid for every federation processed later in the
// same run. Concurrent lookups of the same key share one store call.
type Vocabulary struct {
	store repository.VocabularyStore
	group singleflight.Group

	mu         sync.RWMutex
	types      map[string]int64
	categories map[string]int64
	misses     int
}

// NewVocabulary creates an empty run-scoped cache.
func NewVocabulary(store repository.VocabularyStore) *Vocabulary {
	return &Vocabulary{
		store:      store,
		types:      map[string]int64{},
		categories: map[string]int64{},
	}
}

// Preload fills the cache with every existing type and category.
func (v *Vocabulary) Preload(ctx context.Context) error {
	types, err := v.store.ListEntityTypes(ctx)
	if err != nil {
		return fmt.Errorf("preload entity types: %w", err)
	}
	cats, err := v.store.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("preload categories: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range types {
		v.types[t.XMLName] = t.ID
	}
	for _, c := range cats {
		v.categories[c.CategoryID] = c.ID
	}
	return nil
}

// EntityTypeID returns the id of the entity type for a descriptor element
// name, creating it if needed.
func (v *Vocabulary) EntityTypeID(ctx context.Context, xmlName string) (int64, error) {
	return v.lookup(ctx, v.types, "type:"+xmlName, xmlName, func() (int64, error) {
		label, ok := domain.DescriptorLabels[xmlName]
		if !ok {
			label = xmlName
		}
		t, err := v.store.EnsureEntityType(ctx, xmlName, label)
		if err != nil {
			return 0, err
		}
		return t.ID, nil
	})
}

// CategoryID returns the id of the category uri, creating it if needed.
func (v *Vocabulary) CategoryID(ctx context.Context, uri string) (int64, error) {
	return v.lookup(ctx, v.categories, "category:"+uri, uri, func() (int64, error) {
		c, err := v.store.EnsureCategory(ctx, uri)
		if err != nil {
			return 0, err
		}
		return c.ID, nil
	})
}

// Misses returns the number of lookups that reached the store.
func (v *Vocabulary) Misses() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.misses
}

func (v *Vocabulary) lookup(ctx context.Context, cache map[string]int64, key, name string, ensure func() (int64, error)) (int64, error) {
	v.mu.RLock()
	id, ok := cache[name]
	v.mu.RUnlock()
	if ok {
		return id, nil
	}

	res, err, _ := v.group.Do(key, func() (any, error) {
		v.mu.RLock()
		id, ok := cache[name]
		v.mu.RUnlock()
		if ok {
			return id, nil
		}

		id, err := ensure()
		if err != nil {
			return int64(0), err
		}
		v.mu.Lock()
		cache[name] = id
		v.misses++
		v.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return 0, fmt.Errorf("ensure %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return res.(int64), nil
}
