// Package config loads the rstream benchmark configuration from flags,
// environment variables and an optional yaml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BenchConfig holds configuration for the bandwidth benchmark.
type BenchConfig struct {
	Mode       string // "loopback" or "peer"
	DeviceA    string // first RNIC (loopback) or the only RNIC (peer)
	DeviceB    string // second RNIC, loopback mode only
	Role       string // "server" or "client", peer mode only
	PeerAddr   string // TCP bootstrap address, peer mode only
	ChunkSize  uint32
	TotalBytes uint64
	StreamID   uint32
	RatePerSec int // submissions per second, 0 = unlimited
	LogLevel   string
	OtelAddr   string // OTLP collector, empty disables metrics
}

// SetupBenchFlags registers the benchmark command line flags.
func SetupBenchFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("version", false, "Print version and exit")
	flagSet.Bool("create-config", false, "Create a default configuration file and exit")
	flagSet.String("config-output", "bench.yaml", "Output path for --create-config")
	flagSet.String("mode", "", "Benchmark mode: loopback or peer")
	flagSet.String("device-a", "", "First RDMA device")
	flagSet.String("device-b", "", "Second RDMA device (loopback mode)")
	flagSet.String("role", "", "Peer mode role: server or client")
	flagSet.String("peer-addr", "", "TCP bootstrap address (peer mode)")
	flagSet.Uint32("chunk-size", 0, "Transfer chunk size in bytes")
	flagSet.Uint64("total-bytes", 0, "Total bytes to transfer")
	flagSet.Uint32("stream-id", 0, "Stream id to transfer on")
	flagSet.Int("rate", 0, "Submission rate cap per second (0 = unlimited)")
	flagSet.String("log-level", "", "Log level: debug, info, warn, error")
	flagSet.String("otel-collector-addr", "", "OTLP collector address (empty disables metrics)")
}

// LoadBenchConfig loads the benchmark configuration, with flags taking
// precedence over environment variables and the config file.
func LoadBenchConfig(flagSet *pflag.FlagSet) (*BenchConfig, error) {
	v := viper.New()

	v.SetDefault("mode", "loopback")
	v.SetDefault("device_a", "")
	v.SetDefault("device_b", "")
	v.SetDefault("role", "server")
	v.SetDefault("peer_addr", "localhost:18515")
	v.SetDefault("chunk_size", 16*1024*1024)               // 16 MiB
	v.SetDefault("total_bytes", uint64(75)*1024*1024*1024) // 75 GiB
	v.SetDefault("stream_id", 0)
	v.SetDefault("rate", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_collector_addr", "")

	v.SetEnvPrefix("RSTREAM_BENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath, _ := flagSet.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rstream")
		v.AddConfigPath("/etc/rstream")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	bindBenchFlags(v, flagSet)

	var config BenchConfig
	config.Mode = v.GetString("mode")
	config.DeviceA = v.GetString("device_a")
	config.DeviceB = v.GetString("device_b")
	config.Role = v.GetString("role")
	config.PeerAddr = v.GetString("peer_addr")
	config.ChunkSize = v.GetUint32("chunk_size")
	config.TotalBytes = v.GetUint64("total_bytes")
	config.StreamID = v.GetUint32("stream_id")
	config.RatePerSec = v.GetInt("rate")
	config.LogLevel = v.GetString("log_level")
	config.OtelAddr = v.GetString("otel_collector_addr")

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// bindBenchFlags overlays explicitly-set flags onto the viper keys.
func bindBenchFlags(v *viper.Viper, flagSet *pflag.FlagSet) {
	bindings := map[string]string{
		"mode":                "mode",
		"device-a":            "device_a",
		"device-b":            "device_b",
		"role":                "role",
		"peer-addr":           "peer_addr",
		"chunk-size":          "chunk_size",
		"total-bytes":         "total_bytes",
		"stream-id":           "stream_id",
		"rate":                "rate",
		"log-level":           "log_level",
		"otel-collector-addr": "otel_collector_addr",
	}
	for flagName, key := range bindings {
		if flag := flagSet.Lookup(flagName); flag != nil && flag.Changed {
			v.Set(key, flag.Value.String())
		}
	}
}

func (c *BenchConfig) validate() error {
	switch c.Mode {
	case "loopback", "peer":
	default:
		return fmt.Errorf("invalid mode %q: must be loopback or peer", c.Mode)
	}
	if c.Mode == "peer" {
		switch c.Role {
		case "server", "client":
		default:
			return fmt.Errorf("invalid role %q: must be server or client", c.Role)
		}
		if c.PeerAddr == "" {
			return fmt.Errorf("peer mode requires peer_addr")
		}
	}
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.TotalBytes == 0 || c.TotalBytes%uint64(c.ChunkSize) != 0 {
		return fmt.Errorf("total_bytes must be a positive multiple of chunk_size")
	}
	return nil
}

// defaultBenchConfig is the yaml written by --create-config.
const defaultBenchConfig = `# rstream benchmark configuration
mode: "loopback" # loopback (two local RNICs) or peer (TCP bootstrap)
device_a: "" # leave empty to pick the first device
device_b: "" # second device for loopback mode
role: "server" # peer mode: server or client
peer_addr: "localhost:18515"
chunk_size: 16777216 # 16 MiB
total_bytes: 80530636800 # 75 GiB
stream_id: 0
rate: 0 # submissions per second, 0 = unlimited
log_level: "info" # debug, info, warn, error
otel_collector_addr: "" # e.g. grpc://localhost:4317, empty disables metrics
`

// WriteDefaultBenchConfig creates a default configuration file,
// creating parent directories as needed.
func WriteDefaultBenchConfig(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(defaultBenchConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
