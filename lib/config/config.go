package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/go-gamerelay/lib/util"
	"github.com/go-i2p/logger"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const GAMERELAY_BASE_DIR = ".go-gamerelay"

func InitConfig() {
	if CfgFile != "" {
		// Use config file from the flag
		if !util.CheckFileExists(CfgFile) {
			log.Fatalf("Config file %s is not found", CfgFile)
		}
		viper.SetConfigFile(CfgFile)
	} else {
		// Set up viper to use the default config path $HOME/.go-gamerelay/
		viper.AddConfigPath(BuildRelayDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Load defaults
	setDefaults()

	// handle config file creating it if needed
	handleConfigFile()

	// Update RelayConfigProperties
	UpdateRelayConfig()
}

func setDefaults() {
	d := DefaultRelayConfig()

	// Transport defaults
	viper.SetDefault("port", d.Port)
	viper.SetDefault("workers", d.Workers)
	viper.SetDefault("accept.per_second", d.AcceptPerSec)
	viper.SetDefault("accept.burst", d.AcceptBurst)

	// Session defaults
	viper.SetDefault("heartbeat_seconds", d.HeartbeatSeconds)
	viper.SetDefault("connect_timeout_seconds", d.ConnTimeoutSeconds)
	viper.SetDefault("ack_timeout_seconds", d.AckTimeoutSeconds)

	// Identity and storage defaults
	viper.SetDefault("server_name", d.ServerName)
	viper.SetDefault("db_path", d.DBPath)
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	// Ensure directory exists
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}

	// Write current config file
	if err := viper.WriteConfig(); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(BuildRelayDirPath())
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func BuildRelayDirPath() string {
	return filepath.Join(util.UserHome(), GAMERELAY_BASE_DIR)
}
