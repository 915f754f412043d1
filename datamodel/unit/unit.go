package unit

import (
	"bytes"
	"flock/keys"
	"flock/oid"
	"time"
)

// Observation is the value a unit contributes to a round. Two observations agree when their bytes are equal.
type Observation []byte

func (o Observation) Equal(other Observation) bool {
	return bytes.Equal(o, other)
}

func (o Observation) String() string {
	return string(o)
}

// Clone returns a copy that does not share the backing array.
func (o Observation) Clone() Observation {
	if o == nil {
		return nil
	}
	return append(Observation(nil), o...)
}

// Unit is a registry entry describing one flock member.
type Unit struct {
	ID         oid.Oid      `cbor:"1,keyasint"`           // Unit identifier
	Address    string       `cbor:"2,keyasint,omitempty"` // RPC address and port
	LastSeen   time.Time    `cbor:"3,keyasint,omitempty"` // Last time we heard from this unit
	LocalValue *Observation `cbor:"4,keyasint,omitempty"` // Latest observation the unit reported, if any
	PublicKey  keys.PubKey  `cbor:"5,keyasint,omitempty"` // Verifies the unit's ack signatures
}

// Clone returns a deep copy, suitable for handing out of the registry.
func (u *Unit) Clone() Unit {
	c := *u
	if u.LocalValue != nil {
		v := u.LocalValue.Clone()
		c.LocalValue = &v
	}
	c.PublicKey = append(keys.PubKey(nil), u.PublicKey...)
	return c
}

// Age reports how long ago the unit was last seen.
func (u *Unit) Age(now time.Time) time.Duration {
	return now.Sub(u.LastSeen)
}

// IsLive reports whether the unit was seen within the timeout.
func (u *Unit) IsLive(now time.Time, timeout time.Duration) bool {
	return u.Age(now) <= timeout
}
