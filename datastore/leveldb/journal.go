package leveldb

import (
	"bytes"
	"flock/datamodel/round"
	"flock/oid"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixSeq         = "SEQ" // Journal records indexed by sequence number. Followed by a 16-digit hexadecimal sequence number (64 bit)
	keyPrefixCorrelation = "COR" // Sequence number of the record for a correlation id. Followed by textual OID representation
)

var ErrBrokenChain = fmt.Errorf("journal hash chain is broken")

var _ round.Journal = (*Journal)(nil)

// Journal is a hash-linked, append-only log of decided rounds.
type Journal struct {
	levelDB
	seq      uint64
	lastHash []byte
}

func NewJournal(path string) (*Journal, error) {
	// Init the underlying LevelDB object
	ldb, err := openLevelDB(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		levelDB: levelDB{
			path: path,
			db:   ldb,
		},
	}

	// Scan the database to find the tail of the chain
	iter := ldb.NewIterator(util.BytesPrefix([]byte(keyPrefixSeq)), nil)
	defer iter.Release()

	if iter.Last() {
		seq, err := seqFromKey(iter.Key())
		if err != nil {
			ldb.Close()
			return nil, err
		}
		rec := &round.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			ldb.Close()
			return nil, err
		}
		j.seq = seq
		j.lastHash = rec.Hash
	}

	log.Debugf("Journal %s at sequence %d", path, j.seq)

	return j, nil
}

func (j *Journal) Append(rec *round.Record) (*round.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Copy the record for writing
	stored := *rec
	stored.SequenceNumber = j.seq + 1
	stored.PrevHash = j.lastHash
	// CBOR stores timestamps as whole Unix seconds
	stored.DecidedAt = stored.DecidedAt.Truncate(time.Second)
	hash, err := stored.ComputeHash()
	if err != nil {
		return nil, err
	}
	stored.Hash = hash

	raw, err := cbor.Marshal(&stored)
	if err != nil {
		return nil, err
	}

	// Insert Seq -> Record and CorrelationID -> Seq atomically
	batch := new(leveldb.Batch)
	batch.Put(keyFromSeq(stored.SequenceNumber), raw)
	batch.Put(keyFromOid(keyPrefixCorrelation, stored.CorrelationID), keyFromSeq(stored.SequenceNumber))

	if err := j.db.Write(batch, nil); err != nil {
		return nil, err
	}

	j.seq = stored.SequenceNumber
	j.lastHash = stored.Hash

	return &stored, nil
}

func (j *Journal) GetBySeq(seq uint64) (*round.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.getBySeq(keyFromSeq(seq))
}

// GetByCorrelation returns the record of the round that answered the given request.
func (j *Journal) GetByCorrelation(id oid.Oid) (*round.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	key, err := j.db.Get(keyFromOid(keyPrefixCorrelation, id), nil)
	if err != nil {
		return nil, err
	}
	return j.getBySeq(key)
}

func (j *Journal) getBySeq(key []byte) (*round.Record, error) {
	seq, err := seqFromKey(key)
	if err != nil {
		return nil, err
	}

	raw, err := j.db.Get(key, nil)
	if err != nil {
		return nil, err
	}

	rec := &round.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// Compare the Sequence Number just in case
	if rec.SequenceNumber != seq {
		log.Errorf("GetBySeq: Sequence Number mismatch: %d != %d", seq, rec.SequenceNumber)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (j *Journal) EnumerateBySeq(start uint64, end uint64) ([]*round.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if start > end {
		return nil, fmt.Errorf("EnumerateBySeq: invalid range: start (%d) > end (%d)", start, end)
	}

	var results []*round.Record

	iter := j.db.NewIterator(&util.Range{Start: keyFromSeq(start), Limit: keyFromSeq(end)}, nil)
	defer iter.Release()

	for iter.Next() {
		rec := &round.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	return results, iter.Error()
}

func (j *Journal) GetSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Verify walks the whole chain and checks every hash link. It returns the number of records checked.
func (j *Journal) Verify() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	iter := j.db.NewIterator(util.BytesPrefix([]byte(keyPrefixSeq)), nil)
	defer iter.Release()

	var prev []byte
	var expected uint64 = 1
	n := 0
	for iter.Next() {
		rec := &round.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return n, err
		}
		if rec.SequenceNumber != expected {
			return n, fmt.Errorf("%w: expected sequence %d, found %d", ErrBrokenChain, expected, rec.SequenceNumber)
		}
		if !bytes.Equal(rec.PrevHash, prev) {
			return n, fmt.Errorf("%w: record %d does not link to its predecessor", ErrBrokenChain, rec.SequenceNumber)
		}
		hash, err := rec.ComputeHash()
		if err != nil {
			return n, err
		}
		if !bytes.Equal(hash, rec.Hash) {
			return n, fmt.Errorf("%w: record %d hash mismatch", ErrBrokenChain, rec.SequenceNumber)
		}
		prev = rec.Hash
		expected++
		n++
	}

	return n, iter.Error()
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return err == errors.ErrNotFound
}
