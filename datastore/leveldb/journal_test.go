package leveldb

import (
	"flock/datamodel/round"
	"flock/datamodel/unit"
	"flock/oid"
	"fmt"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func decidedRecord(roundID uint64) *round.Record {
	return &round.Record{
		RoundID:       roundID,
		CorrelationID: oid.FromName(oid.OidTypeRequest, fmt.Sprintf("req%d", roundID)),
		Value:         unit.Observation("A"),
		Participants:  []oid.Oid{oid.FromName(oid.OidTypeUnit, "unit1"), oid.FromName(oid.OidTypeUnit, "unit2")},
		DecidedAt:     time.Now(),
	}
}

func TestJournalAppendAndEnumerate(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	require.Zero(t, j.GetSeq())
	for i := uint64(1); i <= 5; i++ {
		rec, err := j.Append(decidedRecord(i))
		require.NoError(t, err)
		require.Equal(t, i, rec.SequenceNumber)
		require.Len(t, rec.Hash, 32)
	}
	require.Equal(t, uint64(5), j.GetSeq())

	recs, err := j.EnumerateBySeq(2, 4)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(2), recs[0].SequenceNumber)
	require.Equal(t, recs[0].Hash, recs[1].PrevHash)

	rec, err := j.GetByCorrelation(oid.FromName(oid.OidTypeRequest, "req3"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.RoundID)
	require.Equal(t, "A", rec.Value.String())

	_, err = j.GetBySeq(42)
	require.True(t, IsNotFound(err))

	_, err = j.EnumerateBySeq(4, 2)
	require.Error(t, err)

	n, err := j.Verify()
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestJournalReopenContinuesChain(t *testing.T) {
	dir := t.TempDir()

	j, err := NewJournal(dir)
	require.NoError(t, err)
	first, err := j.Append(decidedRecord(1))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = NewJournal(dir)
	require.NoError(t, err)
	defer j.Close()
	require.Equal(t, uint64(1), j.GetSeq())

	second, err := j.Append(decidedRecord(2))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.SequenceNumber)
	require.Equal(t, first.Hash, second.PrevHash)

	n, err := j.Verify()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestJournalVerifyDetectsTampering(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	for i := uint64(1); i <= 3; i++ {
		_, err := j.Append(decidedRecord(i))
		require.NoError(t, err)
	}

	rec, err := j.GetBySeq(2)
	require.NoError(t, err)
	rec.Value = unit.Observation("B")
	raw, err := cbor.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, j.db.Put(keyFromSeq(2), raw, nil))

	_, err = j.Verify()
	require.ErrorIs(t, err, ErrBrokenChain)
}
