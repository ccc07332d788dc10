package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Role selects which components a process hosts.
type Role string

const (
	RoleConfig     Role = "config"     // Placement catalog, coordinator-free
	RoleShard      Role = "shard"      // Shard server and transaction coordinator
	RoleRouter     Role = "router"     // Query router only
	RoleStandalone Role = "standalone" // Everything in one process with in-process shards
)

// ServerConfiguration controls the listening socket shared by gRPC and HTTP
type ServerConfiguration struct {
	BindAddress      string `toml:"bind_address"`
	AdvertiseAddress string `toml:"advertise_address"` // Address peers dial (defaults to hostname:port)
	Port             int    `toml:"port"`
	ClusterSecret    string `toml:"cluster_secret"` // Shared by every process of the cluster; empty disables the check
}

// StorageConfiguration tunes the pebble stores
type StorageConfiguration struct {
	InMemory       bool  `toml:"in_memory"`
	CacheSizeMB    int64 `toml:"cache_size_mb"`
	MemTableSizeMB int   `toml:"memtable_size_mb"`
}

// ShardConfiguration describes a statically known shard
type ShardConfiguration struct {
	ID      string   `toml:"id"`
	Address string   `toml:"address"`
	Zones   []string `toml:"zones"`
}

// LockRetryConfiguration is the backoff curve applied to LockBusy conflicts
type LockRetryConfiguration struct {
	InitialBackoffMS int     `toml:"initial_backoff_ms"`
	MaxBackoffMS     int     `toml:"max_backoff_ms"`
	Multiplier       float64 `toml:"multiplier"`
	MaxRetries       int     `toml:"max_retries"`
}

// PlacementConfiguration controls the placement catalog
type PlacementConfiguration struct {
	ConfigServerAddress   string                 `toml:"config_server_address"` // Dialed by routers and shards
	LockLeaseMS           int                    `toml:"lock_lease_ms"`
	InitialChunksPerShard int                    `toml:"initial_chunks_per_shard"`
	LockRetry             LockRetryConfiguration `toml:"lock_retry"`
}

// RouterConfiguration controls query routing
type RouterConfiguration struct {
	MaxStaleRetries      int `toml:"max_stale_retries"`
	CursorBatchSize      int `toml:"cursor_batch_size"`
	CursorTimeoutSeconds int `toml:"cursor_timeout_seconds"`
}

// LedgerConfiguration controls the retryable write ledger
type LedgerConfiguration struct {
	SessionCacheSize int  `toml:"session_cache_size"`
	FilterCapacity   uint `toml:"filter_capacity"`
}

// CoordinatorConfiguration controls two-phase commit coordination
type CoordinatorConfiguration struct {
	PrepareTimeoutMS       int `toml:"prepare_timeout_ms"`        // Vote collection deadline
	DecisionRetryInitialMS int `toml:"decision_retry_initial_ms"` // First backoff when a decision is not acked
	DecisionRetryMaxMS     int `toml:"decision_retry_max_ms"`
	GCDelayMS              int `toml:"gc_delay_ms"`     // Delay before deleting a finished coordinator doc
	TxnLifetimeMS          int `toml:"txn_lifetime_ms"` // Overall deadline for a coordinator
}

// BalancerConfiguration controls the chunk balancer
type BalancerConfiguration struct {
	Enabled               bool `toml:"enabled"`
	RoundIntervalMS       int  `toml:"round_interval_ms"`
	ImbalanceThreshold    int  `toml:"imbalance_threshold"`
	MaxMigrationsPerRound int  `toml:"max_migrations_per_round"`
	WaitForDelete         bool `toml:"wait_for_delete"`
}

// GRPCClientConfiguration controls gRPC client behavior
type GRPCClientConfiguration struct {
	KeepaliveTimeSeconds    int    `toml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int    `toml:"keepalive_timeout_seconds"`
	Compression             string `toml:"compression"` // "zstd" or "none"
	CompressionLevel        int    `toml:"compression_level"`
	RPCTimeoutMS            int    `toml:"rpc_timeout_ms"`
}

// SinkConfiguration describes one placement-change notification sink
type SinkConfiguration struct {
	Name              string   `toml:"name"`
	Type              string   `toml:"type"`   // "nats", "kafka" or "log"
	Format            string   `toml:"format"` // "json" or "msgpack"
	NatsURL           string   `toml:"nats_url"`
	Brokers           []string `toml:"brokers"`
	TopicPrefix       string   `toml:"topic_prefix"`
	FilterDatabases   []string `toml:"filter_databases"`
	FilterCollections []string `toml:"filter_collections"`
	BatchSize         int      `toml:"batch_size"`
	PollIntervalMS    int      `toml:"poll_interval_ms"`
	RetryInitialMS    int      `toml:"retry_initial_ms"`
	RetryMaxMS        int      `toml:"retry_max_ms"`
	RetryMultiplier   float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls placement-change publishing
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration controls the read-only introspection API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Secret  string `toml:"secret"`
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
	Role    Role   `toml:"role"`
	ShardID string `toml:"shard_id"` // Identity when Role is shard

	Server      ServerConfiguration      `toml:"server"`
	Storage     StorageConfiguration     `toml:"storage"`
	Shards      []ShardConfiguration     `toml:"shards"`
	Placement   PlacementConfiguration   `toml:"placement"`
	Router      RouterConfiguration      `toml:"router"`
	Ledger      LedgerConfiguration      `toml:"ledger"`
	Coordinator CoordinatorConfiguration `toml:"coordinator"`
	Balancer    BalancerConfiguration    `toml:"balancer"`
	GRPCClient  GRPCClientConfiguration  `toml:"grpc_client"`
	Publisher   PublisherConfiguration   `toml:"publisher"`
	Admin       AdminConfiguration       `toml:"admin"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	RoleFlag       = flag.String("role", "", "Process role: config, shard, router, standalone")
	ShardIDFlag    = flag.String("shard-id", "", "Shard identity (overrides config)")
	PortFlag       = flag.Int("port", 0, "Listening port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./shardkeeper-data",
	Role:    RoleStandalone,

	Server: ServerConfiguration{
		BindAddress: "0.0.0.0",
		Port:        27018,
	},

	Storage: StorageConfiguration{
		CacheSizeMB:    64,
		MemTableSizeMB: 16,
	},

	Placement: PlacementConfiguration{
		LockLeaseMS:           30000,
		InitialChunksPerShard: 2,
		LockRetry: LockRetryConfiguration{
			InitialBackoffMS: 500,
			MaxBackoffMS:     5000,
			Multiplier:       2,
			MaxRetries:       10,
		},
	},

	Router: RouterConfiguration{
		MaxStaleRetries:      10,
		CursorBatchSize:      101,
		CursorTimeoutSeconds: 600,
	},

	Ledger: LedgerConfiguration{
		SessionCacheSize: 10000,
		FilterCapacity:   1 << 20,
	},

	Coordinator: CoordinatorConfiguration{
		PrepareTimeoutMS:       10000,
		DecisionRetryInitialMS: 10,
		DecisionRetryMaxMS:     1000,
		GCDelayMS:              1000,
		TxnLifetimeMS:          60000,
	},

	Balancer: BalancerConfiguration{
		Enabled:               true,
		RoundIntervalMS:       10000,
		ImbalanceThreshold:    2,
		MaxMigrationsPerRound: 8,
		WaitForDelete:         false,
	},

	GRPCClient: GRPCClientConfiguration{
		KeepaliveTimeSeconds:    10,
		KeepaliveTimeoutSeconds: 3,
		Compression:             "zstd",
		CompressionLevel:        1,
		RPCTimeoutMS:            30000,
	},

	Admin: AdminConfiguration{
		Enabled: true,
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

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *RoleFlag != "" {
		Config.Role = Role(*RoleFlag)
	}
	if *ShardIDFlag != "" {
		Config.ShardID = *ShardIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if !Config.Storage.InMemory {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("shardkeeper")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	// BSON has no unsigned 64-bit integer; keep ids in int64 range.
	return h.Sum64() >> 1, nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Role {
	case RoleConfig, RoleRouter, RoleStandalone:
	case RoleShard:
		if Config.ShardID == "" {
			return fmt.Errorf("shard role requires shard_id")
		}
	default:
		return fmt.Errorf("invalid role: %q", Config.Role)
	}

	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", Config.Server.Port)
	}

	if Config.Server.AdvertiseAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.Server.AdvertiseAddress = fmt.Sprintf("%s:%d", hostname, Config.Server.Port)
		log.Info().
			Str("advertise_address", Config.Server.AdvertiseAddress).
			Msg("Auto-configured advertise address")
	}

	if (Config.Role == RoleRouter || Config.Role == RoleShard) && Config.Placement.ConfigServerAddress == "" {
		return fmt.Errorf("%s role requires placement.config_server_address", Config.Role)
	}

	seen := make(map[string]bool, len(Config.Shards))
	for _, s := range Config.Shards {
		if s.ID == "" {
			return fmt.Errorf("shard entries require an id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate shard id: %s", s.ID)
		}
		seen[s.ID] = true
	}

	retry := Config.Placement.LockRetry
	if retry.InitialBackoffMS < 1 {
		return fmt.Errorf("lock retry initial backoff must be >= 1ms")
	}
	if retry.MaxBackoffMS < retry.InitialBackoffMS {
		return fmt.Errorf("lock retry max backoff must be >= initial backoff")
	}
	if retry.Multiplier < 1 {
		return fmt.Errorf("lock retry multiplier must be >= 1")
	}
	if retry.MaxRetries < 0 {
		return fmt.Errorf("lock retry max retries must be >= 0")
	}

	if Config.Placement.LockLeaseMS < 1 {
		return fmt.Errorf("placement lock lease must be >= 1ms")
	}
	if Config.Placement.InitialChunksPerShard < 1 {
		return fmt.Errorf("initial chunks per shard must be >= 1")
	}

	if Config.Router.MaxStaleRetries < 0 {
		return fmt.Errorf("router max stale retries must be >= 0")
	}
	if Config.Router.CursorBatchSize < 1 {
		return fmt.Errorf("router cursor batch size must be >= 1")
	}

	if Config.Ledger.SessionCacheSize < 1 {
		return fmt.Errorf("ledger session cache size must be >= 1")
	}

	if Config.Coordinator.PrepareTimeoutMS < 1 {
		return fmt.Errorf("coordinator prepare timeout must be >= 1ms")
	}
	if Config.Coordinator.DecisionRetryInitialMS < 1 {
		return fmt.Errorf("coordinator decision retry must be >= 1ms")
	}
	if Config.Coordinator.DecisionRetryMaxMS < Config.Coordinator.DecisionRetryInitialMS {
		return fmt.Errorf("coordinator decision retry max must be >= initial")
	}
	if Config.Coordinator.GCDelayMS < 0 {
		return fmt.Errorf("coordinator gc delay must be >= 0")
	}
	if Config.Coordinator.TxnLifetimeMS < Config.Coordinator.PrepareTimeoutMS {
		return fmt.Errorf("coordinator txn lifetime must be >= prepare timeout")
	}

	if Config.Balancer.Enabled {
		if Config.Balancer.RoundIntervalMS < 1 {
			return fmt.Errorf("balancer round interval must be >= 1ms")
		}
		if Config.Balancer.ImbalanceThreshold < 1 {
			return fmt.Errorf("balancer imbalance threshold must be >= 1")
		}
		if Config.Balancer.MaxMigrationsPerRound < 1 {
			return fmt.Errorf("balancer max migrations per round must be >= 1")
		}
	}

	switch Config.GRPCClient.Compression {
	case "zstd", "none", "":
	default:
		return fmt.Errorf("invalid grpc compression: %s", Config.GRPCClient.Compression)
	}

	for _, s := range Config.Publisher.Sinks {
		if s.Name == "" || s.Type == "" {
			return fmt.Errorf("publisher sinks require name and type")
		}
	}

	return nil
}

// Duration converts a millisecond setting into a time.Duration.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
