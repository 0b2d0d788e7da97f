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

// DurableDriver selects the SQL engine behind the durable inst/branch store
type DurableDriver string

const (
	DurableSQLite DurableDriver = "sqlite3"
	DurableMySQL  DurableDriver = "mysql"
)

// CacheConfiguration controls the Pebble-backed ephemeral branch cache
type CacheConfiguration struct {
	Path           string `toml:"path"`             // Relative to data_dir unless absolute
	CacheSizeMB    int64  `toml:"cache_size_mb"`    // Pebble block cache
	MemTableSizeMB int64  `toml:"memtable_size_mb"` // Pebble write buffer
	SyncWrites     bool   `toml:"sync_writes"`      // fsync every committed batch
}

// DurableConfiguration controls the durable inst/branch metadata store
type DurableConfiguration struct {
	Driver        DurableDriver `toml:"driver"`
	DSN           string        `toml:"dsn"` // For sqlite3 a file path relative to data_dir
	BusyTimeoutMS int           `toml:"busy_timeout_ms"`
	ListPageSize  int           `toml:"list_page_size"` // Insts returned per ListInstsByRecord page
}

// LimitsConfiguration holds default quotas. Zero means unlimited.
type LimitsConfiguration struct {
	MaxBranchSizeInBytes int64 `toml:"max_branch_size_bytes"`
	MaxInstSizeInBytes   int64 `toml:"max_inst_size_bytes"`
}

// ConnectionsConfiguration controls the connection registry
type ConnectionsConfiguration struct {
	ExpireGraceSeconds      int `toml:"expire_grace_seconds"`      // Soft-expiry window for reconnects
	AuthorizationTTLSeconds int `toml:"authorization_ttl_seconds"` // updateData scope lifetime
	AuthorizationCacheSize  int `toml:"authorization_cache_size"`  // Max cached authorization entries
	SweepIntervalSeconds    int `toml:"sweep_interval_seconds"`    // Janitor interval
}

// FlushConfiguration controls draining dirty branches to durable storage
type FlushConfiguration struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
	TimeoutSeconds  int  `toml:"timeout_seconds"` // Upper bound for a single flush pass
}

// AdminConfiguration for the operator HTTP API (also serves /metrics)
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables authentication
}

// PublisherConfiguration for branch lifecycle events
type PublisherConfiguration struct {
	Enabled        bool     `toml:"enabled"`
	Path           string   `toml:"path"`   // Event log, relative to data_dir unless absolute
	Sink           string   `toml:"sink"`   // "nats" or "kafka"
	Format         string   `toml:"format"` // "json" or "msgpack"
	Topic          string   `toml:"topic"`
	NatsURL        string   `toml:"nats_url"`
	Brokers        []string `toml:"brokers"`
	BatchSize      int      `toml:"batch_size"`
	PollIntervalMS int      `toml:"poll_interval_ms"`
	RetryInitialMS int      `toml:"retry_initial_ms"`
	RetryMaxMS     int      `toml:"retry_max_ms"`
	InstPatterns   []string `toml:"inst_patterns"` // Glob patterns over "record/inst", empty = all insts
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Cache       CacheConfiguration       `toml:"cache"`
	Durable     DurableConfiguration     `toml:"durable"`
	Limits      LimitsConfiguration      `toml:"limits"`
	Connections ConnectionsConfiguration `toml:"connections"`
	Flush       FlushConfiguration       `toml:"flush"`
	Admin       AdminConfiguration       `toml:"admin"`
	Publisher   PublisherConfiguration   `toml:"publisher"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./branchsync-data",

	Cache: CacheConfiguration{
		Path:           "cache.pebble",
		CacheSizeMB:    64,
		MemTableSizeMB: 32,
		SyncWrites:     false,
	},

	Durable: DurableConfiguration{
		Driver:        DurableSQLite,
		DSN:           "durable.db",
		BusyTimeoutMS: 5000,
		ListPageSize:  10,
	},

	Limits: LimitsConfiguration{
		MaxBranchSizeInBytes: 0,
		MaxInstSizeInBytes:   0,
	},

	Connections: ConnectionsConfiguration{
		ExpireGraceSeconds:      10,
		AuthorizationTTLSeconds: 60,
		AuthorizationCacheSize:  100_000,
		SweepIntervalSeconds:    5,
	},

	Flush: FlushConfiguration{
		Enabled:         true,
		IntervalSeconds: 30,
		TimeoutSeconds:  60,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Publisher: PublisherConfiguration{
		Enabled:        false,
		Path:           "events.pebble",
		Sink:           "nats",
		Format:         "json",
		Topic:          "branchsync.events",
		BatchSize:      100,
		PollIntervalMS: 100,
		RetryInitialMS: 100,
		RetryMaxMS:     30_000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
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
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("branchsync")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Cache.Path == "" {
		return fmt.Errorf("cache path must not be empty")
	}
	if Config.Cache.CacheSizeMB < 1 {
		return fmt.Errorf("cache size must be >= 1MB")
	}
	if Config.Cache.MemTableSizeMB < 1 {
		return fmt.Errorf("memtable size must be >= 1MB")
	}

	switch Config.Durable.Driver {
	case DurableSQLite, DurableMySQL:
	default:
		return fmt.Errorf("invalid durable driver: %s", Config.Durable.Driver)
	}
	if Config.Durable.DSN == "" {
		return fmt.Errorf("durable dsn must not be empty")
	}
	if Config.Durable.ListPageSize < 1 {
		return fmt.Errorf("list page size must be >= 1")
	}

	if Config.Limits.MaxBranchSizeInBytes < 0 {
		return fmt.Errorf("max branch size must be >= 0")
	}
	if Config.Limits.MaxInstSizeInBytes < 0 {
		return fmt.Errorf("max inst size must be >= 0")
	}

	if Config.Connections.ExpireGraceSeconds < 0 {
		return fmt.Errorf("connection expire grace must be >= 0")
	}
	if Config.Connections.AuthorizationTTLSeconds < 1 {
		return fmt.Errorf("authorization ttl must be >= 1 second")
	}
	if Config.Connections.AuthorizationCacheSize < 1 {
		return fmt.Errorf("authorization cache size must be >= 1")
	}
	if Config.Connections.SweepIntervalSeconds < 1 {
		return fmt.Errorf("sweep interval must be >= 1 second")
	}

	if Config.Flush.Enabled {
		if Config.Flush.IntervalSeconds < 1 {
			return fmt.Errorf("flush interval must be >= 1 second")
		}
		if Config.Flush.TimeoutSeconds < 1 {
			return fmt.Errorf("flush timeout must be >= 1 second")
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Publisher.Enabled {
		switch Config.Publisher.Sink {
		case "nats":
			if Config.Publisher.NatsURL == "" {
				return fmt.Errorf("nats publisher requires nats_url")
			}
		case "kafka":
			if len(Config.Publisher.Brokers) == 0 {
				return fmt.Errorf("kafka publisher requires at least one broker")
			}
		default:
			return fmt.Errorf("invalid publisher sink: %s", Config.Publisher.Sink)
		}
		if Config.Publisher.Format != "json" && Config.Publisher.Format != "msgpack" {
			return fmt.Errorf("invalid publisher format: %s", Config.Publisher.Format)
		}
		if Config.Publisher.Topic == "" {
			return fmt.Errorf("publisher topic must not be empty")
		}
		if Config.Publisher.PollIntervalMS < 1 {
			return fmt.Errorf("publisher poll interval must be >= 1ms")
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// CachePath returns the absolute location of the Pebble cache directory
func CachePath() string {
	return resolveDataPath(Config.Cache.Path)
}

// PublisherPath returns the location of the branch event log
func PublisherPath() string {
	return resolveDataPath(Config.Publisher.Path)
}

// DurableDSN returns the DSN handed to the SQL driver. SQLite paths are
// resolved against data_dir, MySQL DSNs are passed through.
func DurableDSN() string {
	if Config.Durable.Driver == DurableSQLite {
		return resolveDataPath(Config.Durable.DSN)
	}
	return Config.Durable.DSN
}

// IsAdminAuthEnabled reports whether admin endpoints require the shared secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

func resolveDataPath(p string) string {
	if filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	return filepath.Join(Config.DataDir, p)
}
