package registry

import (
	"flock/datamodel/unit"
	"flock/keys"
	"flock/oid"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	unit1 = oid.FromName(oid.OidTypeUnit, "unit1")
	unit2 = oid.FromName(oid.OidTypeUnit, "unit2")
	unit3 = oid.FromName(oid.OidTypeUnit, "unit3")
)

func ids(units []unit.Unit) []oid.Oid {
	res := make([]oid.Oid, len(units))
	for i, u := range units {
		res[i] = u.ID
	}
	return res
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()
	t0 := time.Unix(1000, 0)

	require.True(t, r.Register(unit1, "127.0.0.1:5001", t0))
	require.False(t, r.Register(unit1, "127.0.0.1:5001", t0.Add(time.Second)))
	require.Equal(t, 1, r.Len())

	u, ok := r.Get(unit1)
	require.True(t, ok)
	require.Equal(t, t0.Add(time.Second), u.LastSeen)

	// Re-registering with a new address moves the unit; an empty address keeps the old one.
	r.Register(unit1, "127.0.0.1:6001", t0.Add(2*time.Second))
	r.Register(unit1, "", t0.Add(3*time.Second))
	u, _ = r.Get(unit1)
	require.Equal(t, "127.0.0.1:6001", u.Address)
	require.Equal(t, t0.Add(3*time.Second), u.LastSeen)
}

func TestHeartbeatUnknownUnit(t *testing.T) {
	r := New()
	require.ErrorIs(t, r.Heartbeat(unit1, time.Now()), ErrUnknownUnit)
	require.ErrorIs(t, r.Observe(unit1, unit.Observation("A")), ErrUnknownUnit)

	r.Register(unit1, "a:1", time.Unix(1000, 0))
	require.NoError(t, r.Heartbeat(unit1, time.Unix(1005, 0)))
	u, _ := r.Get(unit1)
	require.Equal(t, time.Unix(1005, 0), u.LastSeen)
}

func TestLivePeersAndEviction(t *testing.T) {
	r := New()
	t0 := time.Unix(1000, 0)
	timeout := 10 * time.Second

	r.Register(unit1, "a:1", t0)
	r.Register(unit2, "a:2", t0)
	r.Register(unit3, "a:3", t0)

	// Units 1 and 2 keep heartbeating, unit 3 goes quiet.
	require.NoError(t, r.Heartbeat(unit1, t0.Add(8*time.Second)))
	require.NoError(t, r.Heartbeat(unit2, t0.Add(9*time.Second)))

	now := t0.Add(10 * time.Second)
	require.Len(t, r.LivePeers(now, timeout), 3, "exactly at the timeout is still live")

	now = t0.Add(11 * time.Second)
	live := ids(r.LivePeers(now, timeout))
	require.ElementsMatch(t, []oid.Oid{unit1, unit2}, live)
	require.Equal(t, 3, r.Len(), "LivePeers does not evict")

	evicted := r.EvictStale(now, timeout)
	require.Equal(t, []oid.Oid{unit3}, ids(evicted))
	require.Equal(t, 2, r.Len())
	require.ErrorIs(t, r.Heartbeat(unit3, now), ErrUnknownUnit)
	require.ElementsMatch(t, []oid.Oid{unit1, unit2}, ids(r.All()))
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := New()
	r.Register(unit1, "a:1", time.Unix(1000, 0))
	require.NoError(t, r.Observe(unit1, unit.Observation("A")))

	all := r.All()
	(*all[0].LocalValue)[0] = 'Z'
	all[0].Address = "mutated"

	u, _ := r.Get(unit1)
	require.Equal(t, "A", u.LocalValue.String())
	require.Equal(t, "a:1", u.Address)
}

func TestLivePeersSorted(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)
	r.Register(unit3, "a:3", now)
	r.Register(unit1, "a:1", now)
	r.Register(unit2, "a:2", now)

	live := ids(r.LivePeers(now, time.Second))
	for i := 1; i < len(live); i++ {
		require.True(t, live[i-1].Less(live[i]))
	}
}

func TestSetPublicKey(t *testing.T) {
	r := New()
	require.ErrorIs(t, r.SetPublicKey(unit1, keys.PubKey("k1")), ErrUnknownUnit)

	r.Register(unit1, "a:1", time.Unix(1000, 0))
	require.NoError(t, r.SetPublicKey(unit1, keys.PubKey("k1")))
	require.NoError(t, r.SetPublicKey(unit1, nil))

	u, _ := r.Get(unit1)
	require.Equal(t, keys.PubKey("k1"), u.PublicKey)

	u.PublicKey[0] = 'x'
	u, _ = r.Get(unit1)
	require.Equal(t, keys.PubKey("k1"), u.PublicKey)
}
