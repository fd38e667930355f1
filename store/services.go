package store

import (
	"encoding/json"

	"opsconsole/core"
)

// ServiceStore holds one snapshot per service, keyed by name.
type ServiceStore struct {
	k *keyed[core.ServiceSnapshot]
	n *notifier
}

func newServiceStore(n *notifier) *ServiceStore {
	return &ServiceStore{
		k: newKeyed(func(s core.ServiceSnapshot) string { return s.Name }),
		n: n,
	}
}

// Apply upserts a service_update payload by name. Only the matching entry
// changes; fields missing from the payload keep their previous values.
func (s *ServiceStore) Apply(raw json.RawMessage) error {
	svc, err := s.k.merge(raw)
	if err != nil {
		return err
	}
	s.n.notify(Change{Kind: KindService, Key: svc.Name})
	return nil
}

// Replace installs a full refetch.
func (s *ServiceStore) Replace(all []core.ServiceSnapshot) {
	s.k.replace(all)
	s.n.notify(Change{Kind: KindService})
}

// Get returns the service with the given name.
func (s *ServiceStore) Get(name string) (core.ServiceSnapshot, bool) {
	return s.k.get(name)
}

// List returns all services in first-seen order.
func (s *ServiceStore) List() []core.ServiceSnapshot {
	return s.k.list()
}

// Len returns the number of services.
func (s *ServiceStore) Len() int {
	return s.k.len()
}

// ModelStore holds one snapshot per model, keyed by id.
type ModelStore struct {
	k *keyed[core.ModelSnapshot]
	n *notifier
}

func newModelStore(n *notifier) *ModelStore {
	return &ModelStore{
		k: newKeyed(func(m core.ModelSnapshot) string { return m.ID }),
		n: n,
	}
}

// Apply upserts a model_update payload by id.
func (s *ModelStore) Apply(raw json.RawMessage) error {
	m, err := s.k.merge(raw)
	if err != nil {
		return err
	}
	s.n.notify(Change{Kind: KindModel, Key: m.ID})
	return nil
}

// Replace installs a full refetch.
func (s *ModelStore) Replace(all []core.ModelSnapshot) {
	s.k.replace(all)
	s.n.notify(Change{Kind: KindModel})
}

// Get returns the model with the given id.
func (s *ModelStore) Get(id string) (core.ModelSnapshot, bool) {
	return s.k.get(id)
}

// List returns all models in first-seen order.
func (s *ModelStore) List() []core.ModelSnapshot {
	return s.k.list()
}
