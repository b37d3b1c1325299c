package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ReplicationConfiguration controls the write gate and DDL queueing behavior
type ReplicationConfiguration struct {
	Enabled bool `toml:"enabled"`
	// SkipDDLReplication suppresses all command/drop queueing. Used during
	// bulk restore, where objects arrive via the restore stream and must not
	// be re-queued.
	SkipDDLReplication bool `toml:"skip_ddl_replication"`
}

// DDLConfiguration controls the cluster-wide schema-change lock
type DDLConfiguration struct {
	LockLeaseSeconds  int `toml:"lock_lease_seconds"`
	LockWaitTimeoutMS int `toml:"lock_wait_timeout_ms"`
}

// SinkConfiguration describes one change-propagation sink
type SinkConfiguration struct {
	Name           string   `toml:"name"`
	Type           string   `toml:"type"` // "nats" or "kafka"
	NatsURL        string   `toml:"nats_url"`
	Brokers        []string `toml:"brokers"`
	TopicPrefix    string   `toml:"topic_prefix"`
	BatchSize      int      `toml:"batch_size"`
	PollIntervalMS int      `toml:"poll_interval_ms"`
	FilterTags     []string `toml:"filter_tags"` // glob patterns over command tags, empty = all
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID   uint64 `toml:"node_id"`
	NodeName string `toml:"node_name"`
	DataDir  string `toml:"data_dir"`

	Replication ReplicationConfiguration `toml:"replication"`
	DDL         DDLConfiguration         `toml:"ddl"`
	Sinks       []SinkConfiguration      `toml:"sinks"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	NodeNameFlag   = flag.String("node-name", "", "Node name (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./sable-data",

	Replication: ReplicationConfiguration{
		Enabled:            true,
		SkipDDLReplication: false,
	},

	DDL: DDLConfiguration{
		LockLeaseSeconds:  30,
		LockWaitTimeoutMS: 10000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *NodeNameFlag != "" {
		Config.NodeName = *NodeNameFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if Config.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to derive node name: %w", err)
		}
		Config.NodeName = hostname
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("sable")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.DDL.LockLeaseSeconds < 1 {
		return fmt.Errorf("DDL lock lease must be >= 1 second")
	}

	if Config.DDL.LockWaitTimeoutMS < 0 {
		return fmt.Errorf("DDL lock wait timeout must be >= 0")
	}

	for _, sink := range Config.Sinks {
		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %q: nats sink requires nats_url", sink.Name)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %q: kafka sink requires brokers", sink.Name)
			}
		default:
			return fmt.Errorf("sink %q: unknown sink type %q", sink.Name, sink.Type)
		}
	}

	return nil
}

// DatabasePath returns the path of the replicated database file
func DatabasePath() string {
	return filepath.Join(Config.DataDir, "sable.db")
}
