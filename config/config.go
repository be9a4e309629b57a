// Package config handles klingsyncd configuration.
//
// Values are resolved in three layers: built-in defaults, the klingsync.conf
// file in the data directory, and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType names the network a node follows. Each network keeps its
// chain, cache and identity in its own subdirectory.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Storage engines.
const (
	StorageBadger = "badger"
	StorageMemory = "memory"
)

// Config holds node runtime configuration.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Storage StorageConfig
	P2P     P2PConfig
	Sync    SyncConfig
	Metrics MetricsConfig
	Log     LogConfig
}

// StorageConfig selects the ledger database.
type StorageConfig struct {
	Engine string `conf:"storage.engine"` // badger or memory
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	ListenAddr     string        `conf:"p2p.listen"`
	Port           int           `conf:"p2p.port"`
	Seeds          []string      `conf:"p2p.seeds"`
	MaxPeers       int           `conf:"p2p.maxpeers"`
	NoDiscover     bool          `conf:"p2p.nodiscover"`
	DHTServer      bool          `conf:"p2p.dhtserver"`
	SeedRetries    uint          `conf:"p2p.seed_retries"`
	SeedRetryDelay time.Duration `conf:"p2p.seed_retry_delay"`
	ClearBans      bool          // Clear all peer bans on startup (flag only).
}

// SyncConfig holds the block download engine settings.
type SyncConfig struct {
	ChunkSize          int           `conf:"sync.chunk_size"`
	MaxParallel        int           `conf:"sync.max_parallel"` // 0 = peer count
	InitialSlots       int           `conf:"sync.initial_slots"`
	AdvanceWindow      int           `conf:"sync.advance_window"`
	AttemptTimeout     time.Duration `conf:"sync.attempt_timeout"`
	SlowAttemptTimeout time.Duration `conf:"sync.slow_attempt_timeout"`
	RetryDelay         time.Duration `conf:"sync.retry_delay"`
	NoPeerBackoff      time.Duration `conf:"sync.no_peer_backoff"`
	Slow               bool          `conf:"sync.slow"`
	Cautious           bool          `conf:"sync.cautious"`
	MaxForkDepth       uint64        `conf:"sync.max_fork_depth"`
	SwitchAdvance      uint64        `conf:"sync.switch_advance"`
	AvgGenTime         time.Duration `conf:"sync.avg_gen_time"`
	Interval           time.Duration `conf:"sync.interval"`
	Cache              string        `conf:"sync.cache"` // file, db or none
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `conf:"metrics.addr"` // empty disables the endpoint
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingsync
//	macOS:   ~/Library/Application Support/Klingsync
//	Windows: %APPDATA%\Klingsync
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingsync"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingsync")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Klingsync")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingsync")
	default:
		return filepath.Join(home, ".klingsync")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the badger database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.ChainDataDir(), "db")
}

// ChunksDir returns the file chunk cache directory.
func (c *Config) ChunksDir() string {
	return filepath.Join(c.ChainDataDir(), "chunks")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingsync.conf")
}
