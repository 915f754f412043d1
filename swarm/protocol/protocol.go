package protocol

import (
	"encoding/binary"
	"flock/datamodel/round"
	"flock/datamodel/unit"
	"flock/keys"
	"flock/oid"
)

// RPC and pubsub method names
const (
	MethodRegister  = "Unit.Register"
	MethodHeartbeat = "Unit.Heartbeat"
	MethodPropose   = "Unit.Propose"
	MethodRequest   = "Flock.Request"

	TopicRegister  = "Gossip.Register"
	TopicHeartbeat = "Gossip.Heartbeat"
)

// UnitInfo identifies a unit and where to reach it.
type UnitInfo struct {
	UnitID  oid.Oid `cbor:"1,keyasint"`
	Address string  `cbor:"2,keyasint,omitempty"`
}

type RegisterMessage struct {
	UnitID      oid.Oid          `cbor:"1,keyasint"`           // Registering unit
	Address     string           `cbor:"2,keyasint,omitempty"` // RPC address and port of the registering unit
	Observation unit.Observation `cbor:"3,keyasint,omitempty"` // Latest local observation, if any
	PublicKey   keys.PubKey      `cbor:"4,keyasint,omitempty"` // Verifies the unit's acks
}

type RegisterReply struct {
	UnitID oid.Oid    `cbor:"1,keyasint"`           // Responding unit
	Peers  []UnitInfo `cbor:"2,keyasint,omitempty"` // Units the responder knows about
}

type HeartbeatMessage struct {
	UnitID      oid.Oid          `cbor:"1,keyasint"`
	Observation unit.Observation `cbor:"2,keyasint,omitempty"`
}

type HeartbeatReply struct {
	UnitID oid.Oid `cbor:"1,keyasint"`
}

type ProposeMessage struct {
	RoundID       uint64  `cbor:"1,keyasint"`
	CorrelationID oid.Oid `cbor:"2,keyasint"`
	From          oid.Oid `cbor:"3,keyasint"` // Unit coordinating the round
}

type AckMessage struct {
	RoundID     uint64           `cbor:"1,keyasint"`
	UnitID      oid.Oid          `cbor:"2,keyasint"`
	Observation unit.Observation `cbor:"3,keyasint"`
	Signature   []byte           `cbor:"4,keyasint,omitempty"` // Over SignedContent(RoundID, CorrelationID, Observation)
}

type RequestMessage struct {
	CorrelationID oid.Oid `cbor:"1,keyasint"`
}

type ResponseMessage struct {
	CorrelationID oid.Oid          `cbor:"1,keyasint"`
	RoundID       uint64           `cbor:"2,keyasint,omitempty"`
	Value         unit.Observation `cbor:"3,keyasint,omitempty"`
	Participants  []oid.Oid        `cbor:"4,keyasint,omitempty"`
	Failure       round.Reason     `cbor:"5,keyasint,omitempty"` // Empty on success
	Signers       []oid.Oid        `cbor:"6,keyasint,omitempty"` // Participants that reported Value
	PublicKey     keys.PubKey      `cbor:"7,keyasint,omitempty"` // Aggregate of the signers' keys
	Signature     []byte           `cbor:"8,keyasint,omitempty"` // Aggregate of the signers' ack signatures
}

const signedContentTag = "flock-ack/v1"

// SignedContent is what a unit signs when it acks a round: the round, the request it serves and
// the observation it reports. Units reporting the same value in a round sign identical content,
// which is what lets their signatures aggregate.
func SignedContent(roundID uint64, correlationID oid.Oid, obs unit.Observation) []byte {
	id, _ := correlationID.MarshalBinary()

	b := make([]byte, 0, len(signedContentTag)+8+1+len(id)+len(obs))
	b = append(b, signedContentTag...)
	b = binary.BigEndian.AppendUint64(b, roundID)
	b = append(b, byte(len(id)))
	b = append(b, id...)
	return append(b, obs...)
}
