package commands

import (
	"context"
	"errors"
	"flock/config"
	"flock/datastore/leveldb"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// Records listed by RunInfo
const infoTail = 20

// RunInfo verifies the decision journal and lists its most recent records.
func RunInfo(ctx context.Context, w io.Writer, cfg *config.Config) error {
	if cfg.DataStore.JournalPath == "" {
		return errors.New("no journal configured (datastore.journal)")
	}

	j, err := leveldb.NewJournal(cfg.DataStore.JournalPath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer j.Close()

	n, err := j.Verify()
	if err != nil {
		log.Errorf("Journal verification failed after %d records: %v", n, err)
		return err
	}
	fmt.Fprintf(w, "journal %s: %d records, hash chain intact\n", cfg.DataStore.JournalPath, n)

	seq := j.GetSeq()
	start := uint64(1)
	if seq > infoTail {
		start = seq - infoTail + 1
	}
	recs, err := j.EnumerateBySeq(start, seq+1)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Fprintf(w, "#%d round %d request %s: %s (%d participants, %s)\n",
			r.SequenceNumber, r.RoundID, r.CorrelationID.Short(), r.Value.String(), len(r.Participants), r.DecidedAt.Format(time.RFC3339))
	}
	return nil
}
