package config

import (
	"encoding/json"
	"flock/keys"
	"flock/oid"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewEmptyConfig("flock.json")
	require.NoError(t, cfg.Validate())

	st := cfg.Station()
	require.Equal(t, "0.0.0.0:50051", st.ListenAddress())
	require.Equal(t, 10*time.Second, st.PeerTimeout)
	require.Equal(t, 5*time.Second, st.RoundTimeout)
	require.Equal(t, "log", cfg.Logging.Dir)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flock.json")

	cfg := NewEmptyConfig(path)
	cfg.Node.UnitID = oid.FromName(oid.OidTypeUnit, "unit1")
	cfg.Network.Port = 6000
	cfg.Network.Seeds = []string{"10.0.0.1:50051"}
	cfg.Consensus.RoundTimeout = Duration(750 * time.Millisecond)
	require.NoError(t, cfg.Save())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"round_timeout": "750ms"`)

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Node.UnitID, loaded.Node.UnitID)
	require.Equal(t, uint16(6000), loaded.Network.Port)
	require.Equal(t, []string{"10.0.0.1:50051"}, loaded.Network.Seeds)
	require.Equal(t, 750*time.Millisecond, loaded.Consensus.RoundTimeout.Std())
	require.Equal(t, DefaultPeerTimeout, loaded.Consensus.PeerTimeout.Std())
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flock.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"network": {"port": 7000}}`), 0644))

	cfg, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.Equal(t, uint16(7000), cfg.Network.Port)
	require.Equal(t, DefaultBindAddress, cfg.Network.BindAddress)
	require.Equal(t, DefaultRoundTimeout, cfg.Consensus.RoundTimeout.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2m30s"`), &d))
	require.Equal(t, 150*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`1000000`), &d))
	require.Equal(t, time.Millisecond, d.Std())

	require.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
}

func TestValidate(t *testing.T) {
	cfg := NewEmptyConfig("")
	cfg.Consensus.RequestTimeout = Duration(time.Second)
	require.Error(t, cfg.Validate())

	cfg = NewEmptyConfig("")
	cfg.Consensus.HeartbeatInterval = cfg.Consensus.PeerTimeout
	require.Error(t, cfg.Validate())

	cfg = NewEmptyConfig("")
	cfg.Logging.Level = "loud"
	require.Error(t, cfg.Validate())
}

func TestSaveLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flock.json")

	cfg := NewEmptyConfig(path)
	require.False(t, cfg.Node.Key.Valid())
	signer, err := keys.Generate()
	require.NoError(t, err)
	cfg.Node.Key = PrivKey{signer}
	require.NoError(t, cfg.Save())

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.True(t, loaded.Node.Key.Valid())
	require.Equal(t, signer.PubKey(), loaded.Node.Key.PubKey())
}

func TestLoadWithoutKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flock.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"node": {"key": null}}`), 0644))

	cfg, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.False(t, cfg.Node.Key.Valid())

	require.NoError(t, os.WriteFile(path, []byte(`{"node": {"key": "AAEC"}}`), 0644))
	_, err = NewConfigFromFile(path)
	require.Error(t, err)
}

func TestParsePort(t *testing.T) {
	p, err := ParsePort(50051)
	require.NoError(t, err)
	require.Equal(t, uint16(50051), p)

	p, err = ParsePort(65535)
	require.NoError(t, err)
	require.Equal(t, uint16(65535), p)

	_, err = ParsePort(65536)
	require.Error(t, err)
	_, err = ParsePort(70000)
	require.Error(t, err)
}

func TestCheckPortRange(t *testing.T) {
	cfg := NewEmptyConfig("")
	cfg.Network.Port = 65533
	require.NoError(t, cfg.CheckPortRange(3))
	require.Error(t, cfg.CheckPortRange(4))
	require.Error(t, cfg.CheckPortRange(0))

	cfg.Network.Port = 0
	require.NoError(t, cfg.CheckPortRange(100))
}

func TestGroundTimeoutOutlastsRequestTimeout(t *testing.T) {
	cfg := NewEmptyConfig("")
	require.Equal(t, DefaultRequestTimeout+time.Second, cfg.GroundTimeout())

	cfg.Consensus.RequestTimeout = Duration(3 * time.Second)
	require.Greater(t, cfg.GroundTimeout(), cfg.Consensus.RequestTimeout.Std())
}
