package state

import (
	"flock/datamodel/unit"
	"flock/oid"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeers(t *testing.T) {
	s := New(oid.FromName(oid.OidTypeUnit, "unit1"), "10.0.0.1:50051", 10*time.Second)

	require.True(t, s.AddPeer("10.0.0.3:50051"))
	require.True(t, s.AddPeer("10.0.0.2:50051"))
	require.False(t, s.AddPeer("10.0.0.2:50051"))
	require.False(t, s.AddPeer("10.0.0.1:50051"), "own address is not a peer")
	require.False(t, s.AddPeer(""))
	require.Equal(t, []string{"10.0.0.2:50051", "10.0.0.3:50051"}, s.Peers())

	s.RemovePeer("10.0.0.2:50051")
	require.Equal(t, []string{"10.0.0.3:50051"}, s.Peers())

	s.RemovePeer("10.0.0.9:50051")
	require.Equal(t, []string{"10.0.0.3:50051"}, s.Peers())
	require.Equal(t, "10.0.0.1:50051", s.Address())
}

func TestSlotSensor(t *testing.T) {
	now := time.Unix(1700000005, 0)
	s := New(oid.FromName(oid.OidTypeUnit, "unit1"), "", 10*time.Second, WithClock(func() time.Time { return now }))

	require.Equal(t, "slot-170000000", s.Observation().String())

	now = now.Add(10 * time.Second)
	require.Equal(t, "slot-170000001", s.Observation().String())
}

func TestSetObservationOverridesSensor(t *testing.T) {
	s := New(oid.FromName(oid.OidTypeUnit, "unit1"), "", 10*time.Second)

	s.SetObservation(unit.Observation("A"))
	require.Equal(t, "A", s.Observation().String())

	s.SetObservation(nil)
	require.Contains(t, s.Observation().String(), "slot-")
}
