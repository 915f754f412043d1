package commands

import (
	"bytes"
	"context"
	"flock/config"
	"flock/datamodel/round"
	"flock/datamodel/unit"
	"flock/datastore/leveldb"
	"flock/keys"
	"flock/net/crpc"
	"flock/oid"
	"flock/swarm/node"
	"flock/swarm/protocol"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type answeringFlock struct {
	failure round.Reason
	signer  *keys.Signer
}

func (f *answeringFlock) Request(req *protocol.RequestMessage, res *protocol.ResponseMessage) error {
	res.CorrelationID = req.CorrelationID
	res.RoundID = 7
	if f.failure != "" {
		res.Failure = f.failure
		return nil
	}
	res.Value = unit.Observation("slot-42")
	res.Participants = []oid.Oid{oid.FromName(oid.OidTypeUnit, "u1"), oid.FromName(oid.OidTypeUnit, "u2")}
	res.Signers = res.Participants[:1]
	res.PublicKey = f.signer.PubKey()
	res.Signature = f.signer.Sign(protocol.SignedContent(res.RoundID, res.CorrelationID, res.Value))
	return nil
}

func serveFlock(t *testing.T, f *answeringFlock) string {
	t.Helper()
	signer, err := keys.Generate()
	require.NoError(t, err)
	f.signer = signer

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := crpc.NewServer(l)
	require.NoError(t, srv.RegisterName("Flock", f))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

func TestRunInitWritesIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flock.json")
	cfg := config.NewEmptyConfig(path)
	require.NoError(t, RunInit(context.Background(), cfg))
	require.False(t, cfg.Node.UnitID.IsZero())
	require.True(t, cfg.Node.Key.Valid())

	loaded, err := config.NewConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Node.UnitID, loaded.Node.UnitID)
	require.Equal(t, cfg.Node.Key.PubKey(), loaded.Node.Key.PubKey())
}

func TestRunGroundPrintsAnswer(t *testing.T) {
	addr := serveFlock(t, &answeringFlock{})

	var out bytes.Buffer
	code := RunGround(context.Background(), &out, addr, time.Second)
	require.Zero(t, code)
	require.Contains(t, out.String(), "round 7: slot-42")
	require.Contains(t, out.String(), "signed by 1 of 2")
}

func TestRunGroundReportsFailure(t *testing.T) {
	addr := serveFlock(t, &answeringFlock{failure: round.ReasonNoQuorum})

	var out bytes.Buffer
	code := RunGround(context.Background(), &out, addr, time.Second)
	require.Equal(t, 1, code)
	require.Contains(t, out.String(), "flock unavailable")
}

func TestRunGroundUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	var out bytes.Buffer
	code := RunGround(context.Background(), &out, addr, time.Second)
	require.Equal(t, 1, code)
	require.Contains(t, out.String(), "cannot reach")
}

func TestRunInfoListsJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := leveldb.NewJournal(dir)
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		_, err := j.Append(&round.Record{
			RoundID:       i,
			CorrelationID: oid.FromName(oid.OidTypeRequest, fmt.Sprintf("req%d", i)),
			Value:         unit.Observation("B"),
			Participants:  []oid.Oid{oid.FromName(oid.OidTypeUnit, "u1")},
			DecidedAt:     time.Now(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	cfg := config.NewEmptyConfig("")
	cfg.DataStore.JournalPath = dir

	var out bytes.Buffer
	require.NoError(t, RunInfo(context.Background(), &out, cfg))
	require.Contains(t, out.String(), "3 records, hash chain intact")
	require.Contains(t, out.String(), "#3 round 3")
}

func TestRunInfoNeedsJournal(t *testing.T) {
	require.Error(t, RunInfo(context.Background(), &bytes.Buffer{}, config.NewEmptyConfig("")))
}

func TestUnitConfigFirstUnit(t *testing.T) {
	cfg := config.NewEmptyConfig("")
	cfg.DataStore.JournalPath = "/var/lib/flock"

	ucfg := unitConfig(cfg, 0, 3, nil)
	require.Equal(t, filepath.Join("/var/lib/flock", "unit-0"), ucfg.DataStore.JournalPath)
	require.Equal(t, cfg.Network.Port, ucfg.Network.Port)
	require.Equal(t, "/var/lib/flock", cfg.DataStore.JournalPath)

	single := unitConfig(cfg, 0, 1, nil)
	require.Equal(t, "/var/lib/flock", single.DataStore.JournalPath)
}

func TestUnitConfigExtraUnit(t *testing.T) {
	cfg := config.NewEmptyConfig("")
	signer, err := keys.Generate()
	require.NoError(t, err)
	cfg.Node.UnitID = oid.FromName(oid.OidTypeUnit, "u1")
	cfg.Node.Key = config.PrivKey{Signer: signer}
	cfg.Network.Port = 6000

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	first, err := node.New(unitConfig(cfg, 0, 2, nil), node.WithListener(l))
	require.NoError(t, err)
	require.Equal(t, signer.PubKey(), first.PublicKey())

	ucfg := unitConfig(cfg, 1, 2, []*node.Node{first})
	require.Equal(t, uint16(6001), ucfg.Network.Port)
	require.True(t, ucfg.Node.UnitID.IsZero())
	require.False(t, ucfg.Node.Key.Valid(), "extra units must not share the first unit's key")
	require.Equal(t, first.Addr(), ucfg.Network.Seeds[0])
	require.True(t, cfg.Node.Key.Valid())
}

func TestRunServeRejectsPortOverflow(t *testing.T) {
	cfg := config.NewEmptyConfig("")
	cfg.Network.Port = 65534

	err := RunServe(context.Background(), cfg, ServeOptions{Units: 3})
	require.ErrorContains(t, err, "65536")
}
