// Package combomock provides in-process test doubles for the driver's
// external collaborators: an in-memory pump state store and a scripted
// pump that speaks the real wire protocol over an in-memory transport.
package combomock

import (
	"context"
	"sync"

	"github.com/accu-chek/combodriver/combostore"
	"github.com/accu-chek/combodriver/pump"
)

// MemStore implements pump.Store in memory. Safe for concurrent use.
type MemStore struct {
	mu     sync.Mutex
	states map[pump.Address]pump.State

	// FailNonceStores, when nonzero, makes that many upcoming StoreNonce
	// calls fail, for exercising storage error paths.
	FailNonceStores int
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{states: make(map[pump.Address]pump.State)}
}

// HasState implements pump.Store.
func (m *MemStore) HasState(_ context.Context, addr pump.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[addr]
	return ok, nil
}

// Load implements pump.Store.
func (m *MemStore) Load(_ context.Context, addr pump.Address) (pump.PairingData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[addr]
	if !ok {
		return pump.PairingData{}, combostore.ErrNoState
	}
	return s.Pairing, nil
}

// Store implements pump.Store.
func (m *MemStore) Store(_ context.Context, addr pump.Address, data pump.PairingData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.states[addr]
	s.Pairing = data
	m.states[addr] = s
	return nil
}

// LoadNonce implements pump.Store.
func (m *MemStore) LoadNonce(_ context.Context, addr pump.Address) (pump.Nonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[addr]
	if !ok {
		return pump.Nonce{}, combostore.ErrNoState
	}
	return s.Nonce, nil
}

// StoreNonce implements pump.Store.
func (m *MemStore) StoreNonce(_ context.Context, addr pump.Address, n pump.Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNonceStores > 0 {
		m.FailNonceStores--
		return errInjected
	}
	s := m.states[addr]
	s.Nonce = n
	m.states[addr] = s
	return nil
}

// Delete implements pump.Store.
func (m *MemStore) Delete(_ context.Context, addr pump.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, addr)
	return nil
}

// State returns a copy of the stored state for addr.
func (m *MemStore) State(addr pump.Address) (pump.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[addr]
	return s, ok
}
