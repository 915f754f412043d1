// Package state keeps what a unit knows about itself: its identity, the peer addresses it has
// heard of and its latest local observation.
package state

import (
	"flock/datamodel/unit"
	"flock/oid"
	"fmt"
	"slices"
	"sync"
	"time"
)

type Option func(*NodeState)

func WithClock(now func() time.Time) Option {
	return func(s *NodeState) { s.now = now }
}

// NodeState is safe for concurrent use.
type NodeState struct {
	mu          sync.RWMutex
	id          oid.Oid
	address     string
	peers       map[string]struct{}
	observation unit.Observation // Static value; the slot sensor is used when nil
	slot        time.Duration
	now         func() time.Time
}

func New(id oid.Oid, address string, slot time.Duration, opts ...Option) *NodeState {
	s := &NodeState{
		id:      id,
		address: address,
		peers:   make(map[string]struct{}),
		slot:    slot,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *NodeState) ID() oid.Oid {
	return s.id
}

func (s *NodeState) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// AddPeer remembers a peer address. It reports whether the address was new.
func (s *NodeState) AddPeer(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if address == "" || address == s.address {
		return false
	}
	if _, ok := s.peers[address]; ok {
		return false
	}
	s.peers[address] = struct{}{}
	return true
}

// RemovePeer forgets an address that stopped answering.
func (s *NodeState) RemovePeer(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, address)
}

// Peers returns the known peer addresses, sorted.
func (s *NodeState) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]string, 0, len(s.peers))
	for a := range s.peers {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	return addrs
}

// SetObservation pins the local observation. A nil value hands it back to the slot sensor.
func (s *NodeState) SetObservation(obs unit.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observation = obs.Clone()
}

// Observation returns the unit's current local observation.
func (s *NodeState) Observation() unit.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.observation != nil {
		return s.observation.Clone()
	}
	return SlotObservation(s.now(), s.slot)
}

// SlotObservation reads the slot sensor: the index of the current time slot since the Unix epoch.
func SlotObservation(now time.Time, slot time.Duration) unit.Observation {
	if slot <= 0 {
		slot = time.Second
	}
	return unit.Observation(fmt.Sprintf("slot-%d", now.UnixNano()/int64(slot)))
}
