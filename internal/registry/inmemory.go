package registry

import (
	"context"
	"sync"
	"time"

	"github.com/hookdump/Brainstem/internal/model"
)

// InMemoryStore keeps registry state in process memory.
type InMemoryStore struct {
	mu      sync.Mutex
	states  map[model.ModelKind]model.ModelState
	signals map[model.ModelKind][]model.SignalRecord
	events  map[model.ModelKind][]model.RegistryEvent
}

// NewInMemoryStore returns a store seeded with baseline states for every
// model kind.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		states:  make(map[model.ModelKind]model.ModelState),
		signals: make(map[model.ModelKind][]model.SignalRecord),
		events:  make(map[model.ModelKind][]model.RegistryEvent),
	}
	now := time.Now().UTC()
	for _, kind := range model.ModelKinds {
		s.states[kind] = model.ModelState{
			Kind:            kind,
			ActiveVersion:   model.BaselineVersion(kind),
			TenantAllowlist: map[string]bool{},
			Metadata:        map[string]string{},
			UpdatedAt:       now,
		}
	}
	return s
}

func (s *InMemoryStore) GetState(_ context.Context, kind model.ModelKind) (model.ModelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[kind]
	if !ok {
		return model.ModelState{}, ErrUnsupportedModelKind
	}
	return cloneState(state), nil
}

func (s *InMemoryStore) PutState(_ context.Context, state model.ModelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[state.Kind]; !ok {
		return ErrUnsupportedModelKind
	}
	s.states[state.Kind] = cloneState(state)
	return nil
}

func (s *InMemoryStore) AppendSignal(_ context.Context, kind model.ModelKind, sig model.SignalRecord, window int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sigs := append(s.signals[kind], sig)
	if len(sigs) > window {
		sigs = sigs[len(sigs)-window:]
	}
	s.signals[kind] = sigs
	return nil
}

func (s *InMemoryStore) Signals(_ context.Context, kind model.ModelKind) ([]model.SignalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SignalRecord, len(s.signals[kind]))
	copy(out, s.signals[kind])
	return out, nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev model.RegistryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Kind] = append(s.events[ev.Kind], ev)
	return nil
}

func (s *InMemoryStore) Events(_ context.Context, kind model.ModelKind, limit int) ([]model.RegistryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[kind]
	out := make([]model.RegistryEvent, 0, min(limit, len(evs)))
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, evs[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneState(state model.ModelState) model.ModelState {
	out := state
	out.TenantAllowlist = make(map[string]bool, len(state.TenantAllowlist))
	for k, v := range state.TenantAllowlist {
		out.TenantAllowlist[k] = v
	}
	out.Metadata = make(map[string]string, len(state.Metadata))
	for k, v := range state.Metadata {
		out.Metadata[k] = v
	}
	return out
}
