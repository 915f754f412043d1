package oid

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"slices"
)

type OidType int

const (
	OidVersionV01 = 0x01

	OidTypeUnit    = 0x01 // Flock unit. Stable for the lifetime of a unit process.
	OidTypeRequest = 0x02 // Ground station request correlation id.

	OidPaddingByte = 0xAA

	oidLen = 35
)

var ErrorHashNot32Bytes = errors.New("hash must be 32 bytes")
var ErrorInvalidOidString = errors.New("invalid OID string")
var ErrorInvalidOidFormat = errors.New("invalid OID format")

// Byte structure of an OID is as follows <version:1><padding:1><type:1><hash:32>
// Raw bytes are encoded by Base32

// Oid holds the binary representation of the OID together with the cached type and string form.
// Oid is comparable and can be used as a map key. The zero value is "no OID".
type Oid struct {
	b [oidLen]byte
	t OidType
	s string
}

func (o Oid) String() string {
	return o.s
}

// Short returns an abbreviated form for log output.
func (o Oid) Short() string {
	if len(o.s) <= 12 {
		return o.s
	}
	return o.s[len(o.s)-12:]
}

func (o Oid) Type() OidType {
	return o.t
}

func (o Oid) IsZero() bool {
	return o.b[0] == 0
}

// Compare orders OIDs by their binary form. Because base32 preserves byte order,
// this is the same order as comparing String() values.
func (o Oid) Compare(other Oid) int {
	return bytes.Compare(o.b[:], other.b[:])
}

func (o Oid) Less(other Oid) bool {
	return o.Compare(other) < 0
}

func (o Oid) MarshalBinary() ([]byte, error) {
	if o.IsZero() {
		return []byte{}, nil
	}
	return o.b[:], nil
}

func (o *Oid) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*o = Oid{}
		return nil
	}

	switch data[0] {
	case OidVersionV01:
		if len(data) != oidLen {
			return ErrorInvalidOidFormat
		}
		if data[1] != OidPaddingByte {
			return ErrorInvalidOidFormat
		}
		o.t = OidType(data[2])
		o.s = base32.StdEncoding.EncodeToString(data)
		copy(o.b[:], data)
	default:
		return ErrorInvalidOidFormat
	}

	return nil
}

func (o Oid) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Oid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	if s == "" {
		*o = Oid{}
		return nil
	}

	oid, err := FromString(s)
	if err != nil {
		return err
	}
	*o = *oid
	return nil
}

func Encode(t OidType, hash [32]byte) (*Oid, error) {
	oidbytes := make([]byte, 0, oidLen)

	// Add version and type
	oidbytes = append(oidbytes, byte(OidVersionV01))
	oidbytes = append(oidbytes, OidPaddingByte)
	oidbytes = append(oidbytes, byte(t))
	oidbytes = append(oidbytes, hash[:]...)

	o := &Oid{
		t: t,
		s: base32.StdEncoding.EncodeToString(oidbytes),
	}
	copy(o.b[:], oidbytes)
	return o, nil
}

func FromString(s string) (*Oid, error) {
	oidBytes, err := base32.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrorInvalidOidString
	}
	if len(oidBytes) == 0 {
		return nil, ErrorInvalidOidString
	}

	o := &Oid{}
	if err := o.UnmarshalBinary(oidBytes); err != nil {
		return nil, err
	}
	return o, nil
}

// FromName derives a deterministic OID from a human readable name.
func FromName(t OidType, name string) Oid {
	o, _ := Encode(t, sha256.Sum256([]byte(name)))
	return *o
}

func Random(t OidType) (*Oid, error) {
	// Generate 32 random bytes and craft a OID
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	return Encode(t, buf)
}

// Equal helper
func (o *Oid) Equal(other *Oid) bool {
	if o == nil && other == nil {
		return true
	}
	if o == nil || other == nil {
		return false
	}
	return o.b == other.b
}

// Sort sorts a slice of OIDs in place, ascending.
func Sort(ids []Oid) {
	slices.SortFunc(ids, Oid.Compare)
}
