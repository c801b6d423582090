// Package node binds remote session lifecycle, local exclusivity, uptime
// limits, and engine control into one device lifecycle.
package node

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/registry"
)

const (
	stateKey  = "node_state"
	deviceKey = "device_info"
)

// StateStore holds the node's persisted identity. The in-memory copy is
// authoritative while the process runs; every mutation is written back to
// the registry so identity survives restarts.
type StateStore struct {
	store registry.Store
	log   *zap.Logger

	mu     sync.Mutex
	state  models.NodeState
	device models.Device
}

// LoadState reads the persisted node state. Whatever was stored, the node
// never comes back active: a restart proves nothing about the previous
// session's timers, so an active record is demoted to registered and its
// session start discarded. A missing or unparseable blob loads as
// unregistered.
func LoadState(store registry.Store, log *zap.Logger) *StateStore {
	s := &StateStore{store: store, log: log}
	s.state.Status = models.NodeUnregistered

	if raw, err := store.Get(deviceKey); err == nil {
		if err := json.Unmarshal(raw, &s.device); err != nil {
			log.Warn("device info unparseable", zap.Error(err))
		}
	}

	raw, err := store.Get(stateKey)
	if err != nil {
		return s
	}
	var st models.NodeState
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Warn("node state unparseable, starting unregistered", zap.Error(err))
		return s
	}
	if st.Status == models.NodeActive || st.Status == models.NodeStopping {
		st.Status = models.NodeRegistered
	}
	st.CurrentSessionStart = nil
	if st.Status == "" {
		st.Status = models.NodeUnregistered
	}
	s.state = st
	return s
}

// Device returns the registered hardware descriptor.
func (s *StateStore) Device() models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// SaveDevice persists the hardware descriptor alongside the node state.
func (s *StateStore) SaveDevice(dev models.Device) {
	s.mu.Lock()
	s.device = dev
	s.mu.Unlock()

	payload, err := json.Marshal(dev)
	if err == nil {
		err = s.store.Set(deviceKey, payload)
	}
	if err != nil {
		s.log.Warn("device info persist", zap.Error(err))
	}
}

// Get returns a copy of the current node state.
func (s *StateStore) Get() models.NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies fn to the state under the lock and persists the result.
// Persistence is best effort; the in-memory state always advances.
func (s *StateStore) Update(fn func(*models.NodeState)) models.NodeState {
	s.mu.Lock()
	fn(&s.state)
	st := s.state
	s.mu.Unlock()

	payload, err := json.Marshal(st)
	if err == nil {
		err = s.store.Set(stateKey, payload)
	}
	if err != nil {
		s.log.Warn("node state persist", zap.Error(err))
	}
	return st
}
