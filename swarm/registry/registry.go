// Package registry tracks which flock units are alive.
// Liveness is soft: a unit that stops heartbeating drops out of LivePeers, but nothing
// disconnects it. The Registry is not safe for concurrent use; the consensus engine owns it.
package registry

import (
	"errors"
	"flock/datamodel/unit"
	"flock/keys"
	"flock/oid"
	"time"
)

var ErrUnknownUnit = errors.New("unknown unit")

type Registry struct {
	units map[oid.Oid]*unit.Unit
}

func New() *Registry {
	return &Registry{
		units: make(map[oid.Oid]*unit.Unit),
	}
}

// Register adds a unit or refreshes an existing one. It reports whether the unit was new.
func (r *Registry) Register(id oid.Oid, address string, now time.Time) bool {
	if u, ok := r.units[id]; ok {
		if address != "" {
			u.Address = address
		}
		u.LastSeen = now
		return false
	}

	r.units[id] = &unit.Unit{
		ID:       id,
		Address:  address,
		LastSeen: now,
	}
	return true
}

func (r *Registry) Heartbeat(id oid.Oid, now time.Time) error {
	u, ok := r.units[id]
	if !ok {
		return ErrUnknownUnit
	}
	u.LastSeen = now
	return nil
}

// Observe records the latest observation a unit reported.
func (r *Registry) Observe(id oid.Oid, obs unit.Observation) error {
	u, ok := r.units[id]
	if !ok {
		return ErrUnknownUnit
	}
	v := obs.Clone()
	u.LocalValue = &v
	return nil
}

// SetPublicKey records the key that verifies the unit's acks. An empty key leaves the stored one.
func (r *Registry) SetPublicKey(id oid.Oid, key keys.PubKey) error {
	u, ok := r.units[id]
	if !ok {
		return ErrUnknownUnit
	}
	if len(key) > 0 {
		u.PublicKey = append(keys.PubKey(nil), key...)
	}
	return nil
}

func (r *Registry) Get(id oid.Oid) (unit.Unit, bool) {
	u, ok := r.units[id]
	if !ok {
		return unit.Unit{}, false
	}
	return u.Clone(), true
}

func (r *Registry) Len() int {
	return len(r.units)
}

// All returns a copy of every entry, sorted by UnitID.
func (r *Registry) All() []unit.Unit {
	return r.collect(func(*unit.Unit) bool { return true })
}

// LivePeers returns copies of the units with now - LastSeen <= timeout, sorted by UnitID.
func (r *Registry) LivePeers(now time.Time, timeout time.Duration) []unit.Unit {
	return r.collect(func(u *unit.Unit) bool { return u.IsLive(now, timeout) })
}

// EvictStale removes the units exceeding the timeout and returns them.
func (r *Registry) EvictStale(now time.Time, timeout time.Duration) []unit.Unit {
	evicted := r.collect(func(u *unit.Unit) bool { return !u.IsLive(now, timeout) })
	for _, u := range evicted {
		delete(r.units, u.ID)
	}
	return evicted
}

func (r *Registry) collect(keep func(*unit.Unit) bool) []unit.Unit {
	ids := make([]oid.Oid, 0, len(r.units))
	for id, u := range r.units {
		if keep(u) {
			ids = append(ids, id)
		}
	}
	oid.Sort(ids)

	res := make([]unit.Unit, 0, len(ids))
	for _, id := range ids {
		res = append(res, r.units[id].Clone())
	}
	return res
}
