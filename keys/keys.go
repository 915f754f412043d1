// Package keys holds unit signing keys. Units sign every Ack with BLS (minimal-signature
// variant: signatures on G1, public keys on G2) so that the acks agreeing on a decided value
// can be folded into one aggregate signature and one aggregate public key.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// Domain separation tag for the basic scheme with signatures on G1.
var DomainSeparationTag = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNothingToCombine = errors.New("no signatures to aggregate")
)

// PubKey is a compressed G2 point.
type PubKey []byte

// Valid reports whether k decodes to a usable public key.
func (k PubKey) Valid() bool {
	_, err := k.point()
	return err == nil
}

func (k PubKey) point() (*blst.P2Affine, error) {
	if len(k) != blst.BLST_P2_COMPRESS_BYTES {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, blst.BLST_P2_COMPRESS_BYTES, len(k))
	}
	p := new(blst.P2Affine).Uncompress(k)
	if p == nil || !p.KeyValidate() {
		return nil, ErrInvalidKey
	}
	return p, nil
}

// Verify reports whether sig is a signature of msg by k.
func (k PubKey) Verify(msg []byte, sig []byte) bool {
	pk, err := k.point()
	if err != nil {
		return false
	}
	s := new(blst.P1Affine).Uncompress(sig)
	if s == nil || !s.SigValidate(false) {
		return false
	}
	return s.Verify(false, pk, false, blst.Message(msg), DomainSeparationTag)
}

type Signer struct {
	secret blst.SecretKey
	point  blst.P2Affine
}

// NewSigner derives a key pair from at least 32 bytes of key material.
func NewSigner(ikm []byte) (*Signer, error) {
	if len(ikm) < blst.BLST_SCALAR_BYTES {
		return nil, fmt.Errorf("key material too short: got %d, need at least %d", len(ikm), blst.BLST_SCALAR_BYTES)
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, ErrInvalidKey
	}
	return fromSecret(sk), nil
}

// Generate creates a key pair from fresh randomness.
func Generate() (*Signer, error) {
	ikm := make([]byte, blst.BLST_SCALAR_BYTES)
	if _, err := rand.Read(ikm); err != nil {
		return nil, err
	}
	return NewSigner(ikm)
}

// SignerFromBytes restores a key pair saved with Bytes.
func SignerFromBytes(b []byte) (*Signer, error) {
	sk := new(blst.SecretKey).Deserialize(b)
	if sk == nil {
		return nil, ErrInvalidKey
	}
	return fromSecret(sk), nil
}

func fromSecret(sk *blst.SecretKey) *Signer {
	s := &Signer{secret: *sk}
	s.point = *new(blst.P2Affine).From(sk)
	return s
}

// Bytes returns the serialized secret key.
func (s *Signer) Bytes() []byte {
	return s.secret.Serialize()
}

func (s *Signer) PubKey() PubKey {
	return s.point.Compress()
}

func (s *Signer) Sign(msg []byte) []byte {
	return new(blst.P1Affine).Sign(&s.secret, msg, DomainSeparationTag, true).Compress()
}

// Aggregate folds signatures of one message into a single signature, and the signers'
// public keys into the key that verifies it.
func Aggregate(pubs []PubKey, sigs [][]byte) (PubKey, []byte, error) {
	if len(sigs) == 0 || len(pubs) != len(sigs) {
		return nil, nil, ErrNothingToCombine
	}

	aggKey := new(blst.P2)
	aggSig := new(blst.P1)
	for i := range sigs {
		pk, err := pubs[i].point()
		if err != nil {
			return nil, nil, err
		}
		sig := new(blst.P1Affine).Uncompress(sigs[i])
		if sig == nil {
			return nil, nil, ErrInvalidSignature
		}
		aggKey = aggKey.Add(pk)
		aggSig = aggSig.Add(sig)
	}
	return aggKey.ToAffine().Compress(), aggSig.ToAffine().Compress(), nil
}
