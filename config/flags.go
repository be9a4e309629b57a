package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Version is the daemon version reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	Help    bool
	Version bool

	Network string
	DataDir string
	Config  string

	Storage string

	P2PPort    int
	Seeds      string
	MaxPeers   int
	NoDiscover bool
	DHTServer  bool
	ClearBans  bool

	ChunkSize   int
	MaxParallel int
	Slow        bool
	Cautious    bool
	Cache       string
	Interval    time.Duration
	SyncTo      uint64 // Stop following peers beyond this block (0 = follow HEAD).

	MetricsAddr string

	LogLevel string
	LogFile  string
	LogJSON  bool

	Args []string

	// Explicitly-set bool flags, so that --flag=false overrides the file.
	SetNoDiscover bool
	SetSlow       bool
	SetCautious   bool
	SetLogJSON    bool
}

func newFlagSet(f *Flags, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("klingsyncd", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { printUsage(out) }

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	fs.StringVar(&f.Network, "network", "", "Network name (mainnet, testnet or a custom name)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	fs.StringVar(&f.Storage, "storage", "", "Storage engine (badger or memory)")

	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable peer discovery")
	fs.BoolVar(&f.DHTServer, "dht-server", false, "Run DHT in server mode (for seed nodes)")
	fs.BoolVar(&f.ClearBans, "clear-bans", false, "Clear all peer bans on startup")

	fs.IntVar(&f.ChunkSize, "chunk-size", 0, "Blocks per download chunk")
	fs.IntVar(&f.MaxParallel, "max-parallel", 0, "Maximum concurrent chunk downloads")
	fs.BoolVar(&f.Slow, "slow", false, "Download one chunk at a time with the slow timeout")
	fs.BoolVar(&f.Cautious, "cautious", false, "Apply blocks one by one even from genesis")
	fs.StringVar(&f.Cache, "cache", "", "Chunk cache: file, db or none")
	fs.DurationVar(&f.Interval, "sync-interval", 0, "Time between periodic syncs")
	fs.Uint64Var(&f.SyncTo, "sync-to", 0, "Sync up to this block number only")

	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Prometheus metrics listen address")

	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")
	return fs
}

// ParseFlags parses command-line arguments (without the program name).
// It returns flag.ErrHelp for -h and --help.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := newFlagSet(f, os.Stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetSlow = isFlagSet(fs, "slow")
	f.SetCautious = isFlagSet(fs, "cautious")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.Args = fs.Args()

	// A positional argument stops the parser; flags after it would be lost.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to cfg.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.Network != "" {
		cfg.Network = NetworkType(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Storage != "" {
		cfg.Storage.Engine = strings.ToLower(f.Storage)
	}

	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetNoDiscover {
		cfg.P2P.NoDiscover = f.NoDiscover
	}
	if f.DHTServer {
		cfg.P2P.DHTServer = true
	}
	cfg.P2P.ClearBans = f.ClearBans

	if f.ChunkSize != 0 {
		cfg.Sync.ChunkSize = f.ChunkSize
	}
	if f.MaxParallel != 0 {
		cfg.Sync.MaxParallel = f.MaxParallel
	}
	if f.SetSlow {
		cfg.Sync.Slow = f.Slow
	}
	if f.SetCautious {
		cfg.Sync.Cautious = f.Cautious
	}
	if f.Cache != "" {
		cfg.Sync.Cache = strings.ToLower(f.Cache)
	}
	if f.Interval != 0 {
		cfg.Sync.Interval = f.Interval
	}

	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}

	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `klingsyncd - block synchronization daemon

Usage:
  klingsyncd [options]

Commands:
  --help, -h        Show this help message
  --version, -v     Show version information

Core Options:
  --network         Network name: mainnet (default), testnet or custom
  --datadir         Data directory (default: ~/.klingsync)
  --config, -c      Config file path (default: <datadir>/klingsync.conf)
  --storage         Storage engine: badger (default) or memory

P2P Options:
  --p2p-port        P2P listen port (mainnet: 30333, testnet: 30334)
  --seeds           Seed nodes as comma-separated libp2p multiaddrs
  --maxpeers        Maximum number of peers (default: 50)
  --nodiscover      Disable peer discovery
  --dht-server      Run DHT in server mode (for seed nodes)
  --clear-bans      Clear all peer bans on startup

Sync Options:
  --chunk-size      Blocks per download chunk (default: 250)
  --max-parallel    Maximum concurrent chunk downloads (default: peer count)
  --slow            One chunk at a time with the slow attempt timeout
  --cautious        Apply blocks one by one even when syncing from genesis
  --cache           Chunk cache: file (default), db or none
  --sync-interval   Time between periodic syncs (default: 30s)
  --sync-to         Sync up to this block number only

Metrics Options:
  --metrics-addr    Prometheus listen address (default: disabled)

Logging Options:
  --log-level       Log level: trace, debug, info, warn, error (default: info)
  --log-file        Log file path (default: stdout only)
  --log-json        Output logs as JSON

Examples:
  # Follow mainnet
  klingsyncd

  # Join a private network through one seed without discovery
  klingsyncd --network=devnet --nodiscover --seeds=/ip4/10.0.0.2/tcp/30333/p2p/12D3KooW...
`)
}

// Load resolves the configuration from defaults, the config file and args:
//  1. Defaults for the selected network
//  2. Data directories and a default config file (created when missing)
//  3. Config file values
//  4. Command-line flags
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help || flags.Version {
		return nil, flags, nil
	}

	cfg := Default(NetworkType(strings.ToLower(flags.Network)))
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// PrintUsage writes the help text to w.
func PrintUsage(w io.Writer) { printUsage(w) }

// EnsureDataDirs creates the data directory layout and a default config
// file when missing. It is safe to call on every start.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
