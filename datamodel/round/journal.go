package round

import (
	"crypto/sha256"
	"flock/datamodel/unit"
	"flock/oid"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Record is one decided round as written to the decision journal.
// Each record is hash-linked to the one before it.
type Record struct {
	SequenceNumber uint64           `cbor:"1,keyasint"`
	RoundID        uint64           `cbor:"2,keyasint"`
	CorrelationID  oid.Oid          `cbor:"3,keyasint"`
	Value          unit.Observation `cbor:"4,keyasint"`
	Participants   []oid.Oid        `cbor:"5,keyasint"`
	DecidedAt      time.Time        `cbor:"6,keyasint"`
	PrevHash       []byte           `cbor:"7,keyasint,omitempty"`
	Hash           []byte           `cbor:"8,keyasint,omitempty"`
}

// NewRecord builds an unsequenced journal record from a decided round.
func NewRecord(r *Round, decidedAt time.Time) *Record {
	return &Record{
		RoundID:       r.ID,
		CorrelationID: r.CorrelationID,
		Value:         r.Value.Clone(),
		Participants:  append([]oid.Oid(nil), r.Participants...),
		DecidedAt:     decidedAt,
	}
}

// ComputeHash returns sha256(PrevHash || cbor(record without hashes)).
func (r *Record) ComputeHash() ([]byte, error) {
	body := *r
	body.PrevHash = nil
	body.Hash = nil

	raw, err := cbor.Marshal(&body)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write(r.PrevHash)
	h.Write(raw)
	return h.Sum(nil), nil
}

// Journal is an append-only log of decided rounds. It is an audit trail; agreement never reads it.
type Journal interface {
	// Append assigns the next sequence number, links the record to the previous one and stores it.
	// It returns the stored record.
	Append(*Record) (*Record, error)

	// EnumerateBySeq returns records whose sequence numbers fall in [start, end).
	EnumerateBySeq(start uint64, end uint64) ([]*Record, error)

	// GetSeq returns the sequence number of the last appended record (0 when empty).
	GetSeq() uint64

	// Close releases any resources held by the Journal.
	Close() error
}
