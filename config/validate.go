package config

import (
	"fmt"
	"net"
	"regexp"

	"github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingsync/internal/chunkcache"
	"github.com/Klingon-tech/klingsync/internal/p2p"
)

var networkName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Validate checks runtime node config for operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !networkName.MatchString(string(cfg.Network)) {
		return fmt.Errorf("network %q must be lowercase letters, digits, '-' or '_'", cfg.Network)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir is empty")
	}

	switch cfg.Storage.Engine {
	case StorageBadger, StorageMemory:
	default:
		return fmt.Errorf("storage.engine must be %q or %q", StorageBadger, StorageMemory)
	}

	if err := validateP2P(&cfg.P2P); err != nil {
		return err
	}
	if err := validateSync(&cfg.Sync); err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return nil
}

func validateP2P(p *P2PConfig) error {
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if p.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}
	if net.ParseIP(p.ListenAddr) == nil {
		return fmt.Errorf("p2p.listen %q is not an IP address", p.ListenAddr)
	}
	for i, s := range p.Seeds {
		if _, err := multiaddr.NewMultiaddr(s); err != nil {
			return fmt.Errorf("p2p.seeds[%d]: %w", i, err)
		}
	}
	return nil
}

func validateSync(s *SyncConfig) error {
	positive := []struct {
		name  string
		value int64
	}{
		{"sync.chunk_size", int64(s.ChunkSize)},
		{"sync.initial_slots", int64(s.InitialSlots)},
		{"sync.advance_window", int64(s.AdvanceWindow)},
		{"sync.attempt_timeout", int64(s.AttemptTimeout)},
		{"sync.slow_attempt_timeout", int64(s.SlowAttemptTimeout)},
		{"sync.retry_delay", int64(s.RetryDelay)},
		{"sync.no_peer_backoff", int64(s.NoPeerBackoff)},
		{"sync.avg_gen_time", int64(s.AvgGenTime)},
		{"sync.interval", int64(s.Interval)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if s.ChunkSize > p2p.MaxBlocksPerRequest {
		return fmt.Errorf("sync.chunk_size must not exceed %d blocks per request", p2p.MaxBlocksPerRequest)
	}
	if s.MaxParallel < 0 {
		return fmt.Errorf("sync.max_parallel must not be negative")
	}
	if s.MaxForkDepth == 0 {
		return fmt.Errorf("sync.max_fork_depth must be positive")
	}

	switch s.Cache {
	case chunkcache.KindFile, chunkcache.KindDB, chunkcache.KindNone:
	default:
		return fmt.Errorf("sync.cache must be %q, %q or %q", chunkcache.KindFile, chunkcache.KindDB, chunkcache.KindNone)
	}
	return nil
}
