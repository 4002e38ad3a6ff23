package config

import (
	"path/filepath"

	"github.com/spf13/viper"
)

// relay.config options
type RelayConfig struct {
	// TCP port devices connect to
	Port int
	// size of the worker pool handling decoded commands
	Workers int
	// accepted connections per second before new ones are dropped
	AcceptPerSec float64
	// burst allowance on top of the accept rate
	AcceptBurst int
	// heartbeat interval reported to devices, in seconds
	HeartbeatSeconds int
	// how long a session may wait for its full party
	ConnTimeoutSeconds int
	// how long an admission may stay unacknowledged
	AckTimeoutSeconds int
	// name prefixed to generated session names; set this per instance
	// when running more than one relay against the same database
	ServerName string
	// path to the sqlite database; empty keeps everything in memory
	DBPath string
}

func defaultDBPath() string {
	return filepath.Join(BuildRelayDirPath(), "relay.db")
}

// defaults for relay
var defaultRelayConfig = &RelayConfig{
	Port:               10997,
	Workers:            4,
	AcceptPerSec:       100,
	AcceptBurst:        50,
	HeartbeatSeconds:   15,
	ConnTimeoutSeconds: 120,
	AckTimeoutSeconds:  10,
	ServerName:         "relay",
	DBPath:             defaultDBPath(),
}

func DefaultRelayConfig() *RelayConfig {
	return defaultRelayConfig
}

var RelayConfigProperties = DefaultRelayConfig()

// NewRelayConfigFromViper creates a new RelayConfig from current viper settings
// This is the preferred way to get config instead of using the global RelayConfigProperties
func NewRelayConfigFromViper() *RelayConfig {
	return &RelayConfig{
		Port:               viper.GetInt("port"),
		Workers:            viper.GetInt("workers"),
		AcceptPerSec:       viper.GetFloat64("accept.per_second"),
		AcceptBurst:        viper.GetInt("accept.burst"),
		HeartbeatSeconds:   viper.GetInt("heartbeat_seconds"),
		ConnTimeoutSeconds: viper.GetInt("connect_timeout_seconds"),
		AckTimeoutSeconds:  viper.GetInt("ack_timeout_seconds"),
		ServerName:         viper.GetString("server_name"),
		DBPath:             viper.GetString("db_path"),
	}
}

// UpdateRelayConfig updates the global RelayConfigProperties from viper settings
func UpdateRelayConfig() {
	*RelayConfigProperties = *NewRelayConfigFromViper()
}
