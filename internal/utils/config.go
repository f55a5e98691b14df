package utils

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/pkg/file"
)

// Config represents the structure of the configuration file. It is built
// once at process start and passed into each component constructor.
type Config struct {
	Discovery struct {
		Address           string        `yaml:"address"`            // Local address the UDP listener binds to
		Port              uint16        `yaml:"port"`               // UDP discovery port
		BroadcastInterval time.Duration `yaml:"broadcast_interval"` // Interval between announcements
		ServiceTimeout    time.Duration `yaml:"service_timeout"`    // Stale-entry expiry
		Enabled           bool          `yaml:"enabled"`            // Enable/disable discovery
	} `yaml:"discovery"`

	Endpoint struct {
		ID                      string        `yaml:"id"`                        // Stable endpoint id; generated when empty
		Name                    string        `yaml:"name"`                      // Display name
		Address                 string        `yaml:"address"`                   // TCP bind/announce address
		Port                    uint16        `yaml:"port"`                      // TCP port
		IdentityFile            string        `yaml:"identity_file"`             // Path to the persisted identity file
		MaxClients              int           `yaml:"max_clients"`               // Server registry capacity
		ClientTimeout           time.Duration `yaml:"client_timeout"`            // Server-side activity timeout
		AutoReconnect           bool          `yaml:"auto_reconnect"`            // Enable/disable client reconnection
		MaxReconnectAttempts    uint32        `yaml:"max_reconnect_attempts"`    // 0 = unlimited
		ReconnectInterval       time.Duration `yaml:"reconnect_interval"`        // Minimum spacing between attempts
		ConnectionCheckInterval time.Duration `yaml:"connection_check_interval"` // Monitor granularity base
		HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`        // Client heartbeat send interval
		MetricsAddress          string        `yaml:"metrics_address"`           // Prometheus scrape address; empty disables
	} `yaml:"endpoint"`

	Heartbeat struct {
		Interval           time.Duration `yaml:"interval"`             // Server request interval
		TimeoutMultiplier  uint32        `yaml:"timeout_multiplier"`   // Missed-window size factor
		MaxMissedResponses uint32        `yaml:"max_missed_responses"` // Consecutive misses before disconnect
		Enabled            bool          `yaml:"enabled"`              // Enable/disable liveness tracking
	} `yaml:"heartbeat"`

	Master struct {
		ClientTimeoutInterval time.Duration `yaml:"client_timeout_interval"` // Directory activity timeout
		StatusCheckInterval   time.Duration `yaml:"status_check_interval"`   // Monitor tick
		StateSyncInterval     time.Duration `yaml:"state_sync_interval"`     // Reconciliation interval
		EnableAutoCleanup     bool          `yaml:"enable_auto_cleanup"`     // Erase stale disconnected clients
	} `yaml:"master"`
}

// LoadConfig loads the YAML configuration from the specified file, applies
// environment overrides from an optional .env file, and fills defaults.
func LoadConfig(filename string, fileClient file.FileOperations, logger zerolog.Logger) (*Config, error) {
	// A missing .env is fine; overrides are optional.
	if err := godotenv.Load(); err == nil {
		logger.Debug().Msg("Loaded environment overrides from .env")
	}

	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}

	config.applyEnvOverrides()
	config.applyDefaults()
	return &config, nil
}

// applyEnvOverrides lets deployment tooling override addressing without
// editing the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ENDPOINT_ADDRESS"); v != "" {
		c.Endpoint.Address = v
	}
	if v := os.Getenv("ENDPOINT_ID"); v != "" {
		c.Endpoint.ID = v
	}
	if v := os.Getenv("DISCOVERY_ADDRESS"); v != "" {
		c.Discovery.Address = v
	}
}

// applyDefaults fills every unset option with its recognized default.
func (c *Config) applyDefaults() {
	if c.Discovery.Port == 0 {
		c.Discovery.Port = constants.DefaultDiscoveryPort
	}
	if c.Discovery.BroadcastInterval == 0 {
		c.Discovery.BroadcastInterval = constants.DefaultBroadcastInterval
	}
	if c.Discovery.ServiceTimeout == 0 {
		c.Discovery.ServiceTimeout = constants.DefaultServiceTimeout
	}

	if c.Endpoint.MaxClients == 0 {
		c.Endpoint.MaxClients = constants.DefaultMaxClients
	}
	if c.Endpoint.ClientTimeout == 0 {
		c.Endpoint.ClientTimeout = constants.DefaultClientTimeout
	}
	if c.Endpoint.ReconnectInterval == 0 {
		c.Endpoint.ReconnectInterval = constants.DefaultReconnectInterval
	}
	if c.Endpoint.ConnectionCheckInterval == 0 {
		c.Endpoint.ConnectionCheckInterval = constants.DefaultConnectionCheckInterval
	}
	if c.Endpoint.HeartbeatInterval == 0 {
		c.Endpoint.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}

	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = constants.DefaultHeartbeatInterval
	}
	if c.Heartbeat.TimeoutMultiplier == 0 {
		c.Heartbeat.TimeoutMultiplier = constants.DefaultTimeoutMultiplier
	}
	if c.Heartbeat.MaxMissedResponses == 0 {
		c.Heartbeat.MaxMissedResponses = constants.DefaultMaxMissedResponses
	}

	if c.Master.ClientTimeoutInterval == 0 {
		c.Master.ClientTimeoutInterval = constants.DefaultClientTimeoutInterval
	}
	if c.Master.StatusCheckInterval == 0 {
		c.Master.StatusCheckInterval = constants.DefaultStatusCheckInterval
	}
	if c.Master.StateSyncInterval == 0 {
		c.Master.StateSyncInterval = constants.DefaultStateSyncInterval
	}
}
