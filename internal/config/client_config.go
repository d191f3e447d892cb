package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ClientConfig holds configuration for pactl
type ClientConfig struct {
	ServerAddr  string
	ListenAddr  string
	LocalLID    uint16
	ServerLID   uint16
	Window      uint32
	Timeout     time.Duration
	MaxRetries  int
	Concurrency int
	DatabaseURI string
	LogLevel    string
}

var clientDefaults = map[string]any{
	"server_addr":  "127.0.0.1:7520",
	"listen_addr":  "0.0.0.0:0",
	"local_lid":    2,
	"server_lid":   1,
	"window":       4,
	"timeout_ms":   5000,
	"max_retries":  3,
	"concurrency":  8,
	"database_uri": "http://localhost:4001",
	"log_level":    "warn",
}

// SetupClientFlags registers the persistent flags shared by pactl commands
func SetupClientFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.String("server-addr", "127.0.0.1:7520", "UDP address of the PA server")
	flagSet.String("listen-addr", "0.0.0.0:0", "Local UDP address")
	flagSet.Uint16("local-lid", 2, "LID used as the request source")
	flagSet.Uint16("server-lid", 1, "LID of the PA server")
	flagSet.Uint32("window", 4, "RMPP segments granted per ACK")
	flagSet.Int("timeout-ms", 5000, "Per-packet wait before resending")
	flagSet.Int("max-retries", 3, "Resends before giving up")
	flagSet.Int("concurrency", 8, "Parallel queries for fan-out commands")
	flagSet.String("database-uri", "http://localhost:4001", "rqlite URI used by the seed command")
	flagSet.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
}

// LoadClientConfigWithFlags loads the pactl configuration using viper and the
// parsed flag set
func LoadClientConfigWithFlags(flagSet *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper("PACTL", clientDefaults)
	if err := bindFlags(v, flagSet); err != nil {
		return nil, err
	}
	if err := readConfig(v, v.GetString("config"), "pactl"); err != nil {
		return nil, err
	}
	return clientConfigFrom(v)
}

func clientConfigFrom(v *viper.Viper) (*ClientConfig, error) {
	config := &ClientConfig{
		ServerAddr:  v.GetString("server_addr"),
		ListenAddr:  v.GetString("listen_addr"),
		LocalLID:    uint16(v.GetUint32("local_lid")),
		ServerLID:   uint16(v.GetUint32("server_lid")),
		Window:      v.GetUint32("window"),
		Timeout:     time.Duration(v.GetInt64("timeout_ms")) * time.Millisecond,
		MaxRetries:  v.GetInt("max_retries"),
		Concurrency: v.GetInt("concurrency"),
		DatabaseURI: v.GetString("database_uri"),
		LogLevel:    v.GetString("log_level"),
	}
	if config.Window == 0 {
		return nil, fmt.Errorf("window must be at least 1")
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive: %s", config.Timeout)
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return config, nil
}
