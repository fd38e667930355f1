package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrMissingKey is returned when a pushed payload lacks its identity field.
var ErrMissingKey = errors.New("store: payload has no identity key")

// keyed is an insertion-ordered map of snapshots with upsert-by-identity.
type keyed[T any] struct {
	mu    sync.RWMutex
	order []string
	items map[string]T
	keyOf func(T) string
}

func newKeyed[T any](keyOf func(T) string) *keyed[T] {
	return &keyed[T]{items: make(map[string]T), keyOf: keyOf}
}

// merge decodes raw onto the existing entry with the same key, so fields
// absent from raw keep their previous values. Unknown keys are appended.
func (k *keyed[T]) merge(raw json.RawMessage) (T, error) {
	var probe T
	if err := json.Unmarshal(raw, &probe); err != nil {
		return probe, fmt.Errorf("decode payload: %w", err)
	}
	key := k.keyOf(probe)
	if key == "" {
		return probe, ErrMissingKey
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	existing, ok := k.items[key]
	if !ok {
		k.items[key] = probe
		k.order = append(k.order, key)
		return probe, nil
	}
	if err := json.Unmarshal(raw, &existing); err != nil {
		return existing, fmt.Errorf("merge payload: %w", err)
	}
	k.items[key] = existing
	return existing, nil
}

func (k *keyed[T]) put(item T) {
	key := k.keyOf(item)
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.items[key]; !ok {
		k.order = append(k.order, key)
	}
	k.items[key] = item
}

// replace swaps the whole collection, the only path that removes entries
// other than an explicit remove.
func (k *keyed[T]) replace(all []T) {
	items := make(map[string]T, len(all))
	order := make([]string, 0, len(all))
	for _, item := range all {
		key := k.keyOf(item)
		if key == "" {
			continue
		}
		if _, dup := items[key]; !dup {
			order = append(order, key)
		}
		items[key] = item
	}

	k.mu.Lock()
	k.items = items
	k.order = order
	k.mu.Unlock()
}

// update applies fn to the entry under key atomically. exists is false
// when fn receives a zero value.
func (k *keyed[T]) update(key string, fn func(existing T, exists bool) T) T {
	k.mu.Lock()
	defer k.mu.Unlock()
	existing, ok := k.items[key]
	next := fn(existing, ok)
	if !ok {
		k.order = append(k.order, key)
	}
	k.items[key] = next
	return next
}

func (k *keyed[T]) get(key string) (T, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	item, ok := k.items[key]
	return item, ok
}

func (k *keyed[T]) list() []T {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]T, 0, len(k.order))
	for _, key := range k.order {
		out = append(out, k.items[key])
	}
	return out
}

func (k *keyed[T]) remove(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.items[key]; !ok {
		return false
	}
	delete(k.items, key)
	for i, existing := range k.order {
		if existing == key {
			k.order = append(k.order[:i], k.order[i+1:]...)
			break
		}
	}
	return true
}

func (k *keyed[T]) len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.items)
}
