package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yuuki/paserver/internal/pa"
)

// ServerConfig holds configuration for the PA server
type ServerConfig struct {
	ServerID          string
	ListenAddr        string
	LID               uint16
	Peers             map[uint16]*net.UDPAddr
	AdminAddr         string
	DatabaseURI       string
	SampleHosts       int
	LogLevel          string
	OtelCollectorAddr string
	SweepInterval     time.Duration
	SampleSweep       bool
	ImageRetention    int
	QueueDepth        int

	PA pa.Config
}

var serverDefaults = map[string]any{
	"server_id":            "",
	"listen_addr":          "0.0.0.0:7520",
	"lid":                  1,
	"peers":                []string{},
	"admin_addr":           "0.0.0.0:50053",
	"database_uri":         "",
	"sample_hosts":         16,
	"log_level":            "info",
	"otel_collector_addr":  "",
	"sweep_interval_ms":    60000,
	"sample_sweep":         true,
	"image_retention":      8,
	"queue_depth":          256,
	"expected_endpoints":   64,
	"pool_size":            0,
	"hash_buckets":         64,
	"max_retries":          3,
	"checksum_enabled":     false,
	"debug_rmpp":           false,
	"packet_lifetime":      18,
	"resp_time_value":      18,
	"initial_window":       1,
	"max_rmpp_data_length": 2 << 20,
	"aging_interval_ms":    1000,
	"receive_wait_ms":      100,
	"request_rate_limit":   0,
}

// SetupServerFlags sets up the command line flags for the PA server
func SetupServerFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "paserver.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("listen-addr", "0.0.0.0:7520", "UDP address carrying PA MADs")
	flagSet.Uint16("lid", 1, "LID of the PA server")
	flagSet.StringSlice("peers", nil, "Static peer table entries, LID=host:port")
	flagSet.String("admin-addr", "0.0.0.0:50053", "Address of the gRPC health and reflection server")
	flagSet.String("database-uri", "", "rqlite URI of the sweep database; empty serves a sample image from memory")
	flagSet.Bool("sample-sweep", true, "Publish a new sample image every sweep interval when serving from memory")
	flagSet.Int("image-retention", 8, "Sample images kept in memory")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.String("otel-collector-addr", "", "OTLP collector address; empty disables metrics export")
	flagSet.Int("expected-endpoints", 64, "Expected number of concurrent clients, sizes the context pool")
	flagSet.Int("pool-size", 0, "Number of transfer contexts; 0 derives it from expected-endpoints")
	flagSet.Int("max-retries", 3, "RMPP retransmissions before a transfer is aborted")
	flagSet.Bool("checksum-enabled", false, "Verify that table payloads are unchanged at completion")
	flagSet.Bool("debug-rmpp", false, "Log every RMPP engine step at debug level")
	flagSet.Uint32("initial-window", 1, "Segments sent before the first ACK")
	flagSet.Int("request-rate-limit", 0, "Maximum requests per second; 0 is unlimited")
}

// LoadServerConfigWithFlags loads the PA server configuration using viper and
// the parsed flag set. Precedence is flags, environment, config file, defaults.
func LoadServerConfigWithFlags(flagSet *pflag.FlagSet) (*ServerConfig, error) {
	v := newViper("PASERVER", serverDefaults)

	// Bind command line flags under their config-file key
	if err := bindFlags(v, flagSet); err != nil {
		return nil, err
	}

	if err := readConfig(v, v.GetString("config"), "paserver"); err != nil {
		return nil, err
	}
	return serverConfigFrom(v)
}

// LoadServerConfig loads the PA server configuration from a file or
// environment variables
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := newViper("PASERVER", serverDefaults)
	if err := readConfig(v, configPath, "paserver"); err != nil {
		return nil, err
	}
	return serverConfigFrom(v)
}

func serverConfigFrom(v *viper.Viper) (*ServerConfig, error) {
	peers, err := parsePeers(v.GetStringSlice("peers"))
	if err != nil {
		return nil, err
	}
	lid := v.GetUint32("lid")
	if lid == 0 || lid > 0xBFFF {
		return nil, fmt.Errorf("lid must be a unicast LID (1-0xBFFF): %d", lid)
	}

	config := &ServerConfig{
		ServerID:          v.GetString("server_id"),
		ListenAddr:        v.GetString("listen_addr"),
		LID:               uint16(lid),
		Peers:             peers,
		AdminAddr:         v.GetString("admin_addr"),
		DatabaseURI:       v.GetString("database_uri"),
		SampleHosts:       v.GetInt("sample_hosts"),
		LogLevel:          v.GetString("log_level"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
		SweepInterval:     time.Duration(v.GetInt64("sweep_interval_ms")) * time.Millisecond,
		SampleSweep:       v.GetBool("sample_sweep"),
		ImageRetention:    v.GetInt("image_retention"),
		QueueDepth:        v.GetInt("queue_depth"),
		PA: pa.Config{
			PoolSize:          v.GetInt("pool_size"),
			ExpectedEndpoints: v.GetInt("expected_endpoints"),
			HashBuckets:       v.GetInt("hash_buckets"),
			MaxRetries:        v.GetInt("max_retries"),
			ChecksumEnabled:   v.GetBool("checksum_enabled"),
			DebugRMPP:         v.GetBool("debug_rmpp"),
			PacketLifetime:    uint8(v.GetUint32("packet_lifetime")),
			RespTimeValue:     uint8(v.GetUint32("resp_time_value")),
			InitialWindow:     v.GetUint32("initial_window"),
			MaxRMPPDataLength: v.GetInt("max_rmpp_data_length"),
			AgingInterval:     time.Duration(v.GetInt64("aging_interval_ms")) * time.Millisecond,
			ReceiveWait:       time.Duration(v.GetInt64("receive_wait_ms")) * time.Millisecond,
			RequestRateLimit:  v.GetInt("request_rate_limit"),
		},
	}
	if config.ServerID == "" {
		config.ServerID = getSystemHostname()
	}

	if err := config.PA.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PA configuration: %w", err)
	}
	return config, nil
}

// parsePeers parses "LID=host:port" entries into a static peer table.
func parsePeers(entries []string) (map[uint16]*net.UDPAddr, error) {
	peers := make(map[uint16]*net.UDPAddr, len(entries))
	for _, entry := range entries {
		lidStr, addrStr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer %q: expected LID=host:port", entry)
		}
		lid, err := strconv.ParseUint(strings.TrimSpace(lidStr), 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid peer LID %q: %w", lidStr, err)
		}
		addr, err := net.ResolveUDPAddr("udp4", strings.TrimSpace(addrStr))
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", addrStr, err)
		}
		peers[uint16(lid)] = addr
	}
	return peers, nil
}

// CreateDefaultServerConfig creates a default configuration file for the PA
// server
func CreateDefaultServerConfig(path string) error {
	// Default config content
	configContent := `# PA Server Configuration
server_id: "" # Leave empty to use hostname
listen_addr: "0.0.0.0:7520"
lid: 1
peers: [] # static LID=host:port entries, others are learned from requests
admin_addr: "0.0.0.0:50053"
database_uri: "" # rqlite URI, e.g. http://localhost:4001; empty serves a sample image
sample_hosts: 16
log_level: "info" # trace, debug, info, warn, error
otel_collector_addr: "" # e.g. localhost:4317; empty disables metrics
sweep_interval_ms: 60000
sample_sweep: true # publish a fresh sample image every sweep when serving from memory
image_retention: 8

# RMPP engine
expected_endpoints: 64
pool_size: 0 # 0 derives the pool from expected_endpoints
hash_buckets: 64
max_retries: 3
checksum_enabled: false
debug_rmpp: false
packet_lifetime: 18
resp_time_value: 18
initial_window: 1
max_rmpp_data_length: 2097152
aging_interval_ms: 1000
receive_wait_ms: 100
request_rate_limit: 0 # requests per second, 0 is unlimited
queue_depth: 256
`

	return writeConfigFile(path, configContent)
}
