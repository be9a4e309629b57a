package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile reads a key = value config file. A missing file yields no values.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()
	return ParseFile(file)
}

// ParseFile parses key = value lines. Blank lines and lines starting with #
// are skipped and matching quotes around a value are removed.
func ParseFile(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", lineNum)
		}
		values[key] = unquote(strings.TrimSpace(value))
	}
	return values, scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// ApplyFileConfig applies file values to cfg. Unknown keys are ignored.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "network":
		cfg.Network = NetworkType(strings.ToLower(value))
	case "datadir":
		cfg.DataDir = value

	case "storage.engine":
		cfg.Storage.Engine = strings.ToLower(value)

	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		cfg.P2P.Port, err = strconv.Atoi(value)
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		cfg.P2P.MaxPeers, err = strconv.Atoi(value)
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)
	case "p2p.seed_retries":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 32)
		cfg.P2P.SeedRetries = uint(n)
	case "p2p.seed_retry_delay":
		cfg.P2P.SeedRetryDelay, err = time.ParseDuration(value)

	case "sync.chunk_size":
		cfg.Sync.ChunkSize, err = strconv.Atoi(value)
	case "sync.max_parallel":
		cfg.Sync.MaxParallel, err = strconv.Atoi(value)
	case "sync.initial_slots":
		cfg.Sync.InitialSlots, err = strconv.Atoi(value)
	case "sync.advance_window":
		cfg.Sync.AdvanceWindow, err = strconv.Atoi(value)
	case "sync.attempt_timeout":
		cfg.Sync.AttemptTimeout, err = time.ParseDuration(value)
	case "sync.slow_attempt_timeout":
		cfg.Sync.SlowAttemptTimeout, err = time.ParseDuration(value)
	case "sync.retry_delay":
		cfg.Sync.RetryDelay, err = time.ParseDuration(value)
	case "sync.no_peer_backoff":
		cfg.Sync.NoPeerBackoff, err = time.ParseDuration(value)
	case "sync.slow":
		cfg.Sync.Slow = parseBool(value)
	case "sync.cautious":
		cfg.Sync.Cautious = parseBool(value)
	case "sync.max_fork_depth":
		cfg.Sync.MaxForkDepth, err = strconv.ParseUint(value, 10, 64)
	case "sync.switch_advance":
		cfg.Sync.SwitchAdvance, err = strconv.ParseUint(value, 10, 64)
	case "sync.avg_gen_time":
		cfg.Sync.AvgGenTime, err = time.ParseDuration(value)
	case "sync.interval":
		cfg.Sync.Interval, err = time.ParseDuration(value)
	case "sync.cache":
		cfg.Sync.Cache = strings.ToLower(value)

	case "metrics.addr":
		cfg.Metrics.Addr = value

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)
	}
	return err
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseStringList parses a comma-separated list, dropping empty items.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a commented default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# klingsyncd configuration
#
# Values here override the built-in defaults; command-line flags override
# this file.

# Network name. Chain data, chunk cache and peer identity are kept per network.
network = ` + string(d.Network) + `

# Data directory (default: ~/.klingsync)
# datadir = ~/.klingsync

# ============================================================================
# Storage
# ============================================================================

# badger or memory
storage.engine = ` + d.Storage.Engine + `

# ============================================================================
# P2P Network
# ============================================================================

p2p.listen = ` + d.P2P.ListenAddr + `
p2p.port = ` + strconv.Itoa(d.P2P.Port) + `
p2p.maxpeers = ` + strconv.Itoa(d.P2P.MaxPeers) + `

# Seed nodes as comma-separated libp2p multiaddrs
# p2p.seeds = /ip4/203.0.113.1/tcp/30333/p2p/12D3KooW...

# p2p.nodiscover = false
# p2p.dhtserver = false
# p2p.seed_retries = ` + strconv.FormatUint(uint64(d.P2P.SeedRetries), 10) + `
# p2p.seed_retry_delay = ` + d.P2P.SeedRetryDelay.String() + `

# ============================================================================
# Sync
# ============================================================================

sync.chunk_size = ` + strconv.Itoa(d.Sync.ChunkSize) + `
# 0 = one slot per peer
sync.max_parallel = 0
sync.initial_slots = ` + strconv.Itoa(d.Sync.InitialSlots) + `
sync.advance_window = ` + strconv.Itoa(d.Sync.AdvanceWindow) + `
sync.attempt_timeout = ` + d.Sync.AttemptTimeout.String() + `
sync.slow_attempt_timeout = ` + d.Sync.SlowAttemptTimeout.String() + `
sync.retry_delay = ` + d.Sync.RetryDelay.String() + `
sync.no_peer_backoff = ` + d.Sync.NoPeerBackoff.String() + `
# sync.slow = false
# sync.cautious = false
sync.max_fork_depth = ` + strconv.FormatUint(d.Sync.MaxForkDepth, 10) + `
sync.switch_advance = ` + strconv.FormatUint(d.Sync.SwitchAdvance, 10) + `
sync.avg_gen_time = ` + d.Sync.AvgGenTime.String() + `
sync.interval = ` + d.Sync.Interval.String() + `

# Chunk cache for syncs from genesis: file, db or none
sync.cache = ` + d.Sync.Cache + `

# ============================================================================
# Metrics
# ============================================================================

# Prometheus endpoint, empty disables it
# metrics.addr = 127.0.0.1:9333

# ============================================================================
# Logging
# ============================================================================

log.level = ` + d.Log.Level + `
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0o644)
}
