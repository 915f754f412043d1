package config

import (
	"encoding/json"
	"errors"
	"flock/oid"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultBindAddress       = "0.0.0.0"
	DefaultPort              = 50051
	DefaultLogDir            = "log"
	DefaultPeerTimeout       = 10 * time.Second
	DefaultRoundTimeout      = 5 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultArchiveRetention  = time.Minute
	DefaultSlotDuration      = 10 * time.Second
	GroundTimeoutMargin      = time.Second
	DefaultLeaseTTL          = 10 * time.Second
	DefaultEtcdPrefix        = "/flock/units/"
)

// Duration is a time.Duration that reads and writes as a string like "5s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain numbers are nanoseconds
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid duration %s", string(data))
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the configuration of a flock unit
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		UnitID      oid.Oid `json:"unit_id"`     // Random at startup when empty
		Observation string  `json:"observation"` // Static observation; the slot sensor is used when empty
		Key         PrivKey `json:"key"`         // Ack signing key; an ephemeral one is generated when empty
	} `json:"node"`

	Network struct {
		BindAddress            string   `json:"bind_address"`
		Port                   uint16   `json:"port"`
		AdvertisedAddress      string   `json:"advertised_address"` // Address other units dial; derived from the listener when empty
		Seeds                  []string `json:"seeds"`
		PubSubMulticastAddress string   `json:"pubsub_multicast_address"`
		MetricsListenAddress   string   `json:"metrics_listen_address"`
	} `json:"network"`

	Consensus struct {
		PeerTimeout       Duration `json:"peer_timeout"`
		RoundTimeout      Duration `json:"round_timeout"`
		RequestTimeout    Duration `json:"request_timeout"`
		HeartbeatInterval Duration `json:"heartbeat_interval"`
		ArchiveRetention  Duration `json:"archive_retention"`
		SlotDuration      Duration `json:"slot_duration"`
	} `json:"consensus"`

	Discovery struct {
		EtcdEndpoints []string `json:"etcd_endpoints"`
		EtcdPrefix    string   `json:"etcd_prefix"`
		LeaseTTL      Duration `json:"lease_ttl"`
	} `json:"discovery"`

	DataStore struct {
		JournalPath string `json:"journal"` // Decision journal is disabled when empty
	} `json:"datastore"`

	Logging struct {
		Dir      string `json:"dir"`
		ToStdout bool   `json:"to_stdout"`
		Level    string `json:"level"`
	} `json:"logging"`
}

// StationConfig is the part of the configuration the core of a unit consumes.
type StationConfig struct {
	BindAddress  string
	Port         uint16
	PeerTimeout  time.Duration
	RoundTimeout time.Duration
}

func (s StationConfig) ListenAddress() string {
	return net.JoinHostPort(s.BindAddress, strconv.Itoa(int(s.Port)))
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Network.BindAddress = DefaultBindAddress
	cfg.Network.Port = DefaultPort

	cfg.Consensus.PeerTimeout = Duration(DefaultPeerTimeout)
	cfg.Consensus.RoundTimeout = Duration(DefaultRoundTimeout)
	cfg.Consensus.RequestTimeout = Duration(DefaultRequestTimeout)
	cfg.Consensus.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	cfg.Consensus.ArchiveRetention = Duration(DefaultArchiveRetention)
	cfg.Consensus.SlotDuration = Duration(DefaultSlotDuration)

	cfg.Discovery.EtcdPrefix = DefaultEtcdPrefix
	cfg.Discovery.LeaseTTL = Duration(DefaultLeaseTTL)

	cfg.Logging.Dir = DefaultLogDir
	cfg.Logging.Level = "info"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// Station returns the settings the unit core runs with.
func (c *Config) Station() StationConfig {
	return StationConfig{
		BindAddress:  c.Network.BindAddress,
		Port:         c.Network.Port,
		PeerTimeout:  c.Consensus.PeerTimeout.Std(),
		RoundTimeout: c.Consensus.RoundTimeout.Std(),
	}
}

// GroundTimeout is how long a ground station waits for a response by default. It outlasts the
// unit's own request timeout so a Timeout reply still arrives before the station gives up.
func (c *Config) GroundTimeout() time.Duration {
	return c.Consensus.RequestTimeout.Std() + GroundTimeoutMargin
}

// Validate reports settings a unit cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Network.BindAddress == "" {
		errs = append(errs, errors.New("network.bind_address is empty"))
	}
	if c.Consensus.PeerTimeout <= 0 {
		errs = append(errs, errors.New("consensus.peer_timeout must be positive"))
	}
	if c.Consensus.RoundTimeout <= 0 {
		errs = append(errs, errors.New("consensus.round_timeout must be positive"))
	}
	if c.Consensus.RequestTimeout < c.Consensus.RoundTimeout {
		errs = append(errs, errors.New("consensus.request_timeout must not be shorter than round_timeout"))
	}
	if c.Consensus.HeartbeatInterval <= 0 || c.Consensus.HeartbeatInterval >= c.Consensus.PeerTimeout {
		errs = append(errs, errors.New("consensus.heartbeat_interval must be positive and shorter than peer_timeout"))
	}
	if c.Consensus.SlotDuration <= 0 {
		errs = append(errs, errors.New("consensus.slot_duration must be positive"))
	}
	if len(c.Discovery.EtcdEndpoints) > 0 && c.Discovery.LeaseTTL < Duration(time.Second) {
		errs = append(errs, errors.New("discovery.lease_ttl must be at least 1s"))
	}
	if c.Logging.Level != "" {
		if _, err := log.ParseLevel(c.Logging.Level); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParsePort narrows a command line port value, rejecting what does not fit a TCP port.
func ParsePort(v uint) (uint16, error) {
	if v > math.MaxUint16 {
		return 0, fmt.Errorf("port %d is out of range (max %d)", v, math.MaxUint16)
	}
	return uint16(v), nil
}

// CheckPortRange reports whether units hosted on consecutive ports from network.port all get a
// valid port. An ephemeral base port (0) always fits.
func (c *Config) CheckPortRange(units int) error {
	if units < 1 {
		return fmt.Errorf("unit count must be positive, got %d", units)
	}
	if c.Network.Port == 0 {
		return nil
	}
	if last := int(c.Network.Port) + units - 1; last > math.MaxUint16 {
		return fmt.Errorf("%d units from port %d would need port %d (max %d)", units, c.Network.Port, last, math.MaxUint16)
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.configFile, err)
	}

	return nil
}
