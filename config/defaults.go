package config

import (
	"time"

	"github.com/Klingon-tech/klingsync/internal/blocksync"
)

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Storage: StorageConfig{Engine: StorageBadger},
		P2P: P2PConfig{
			ListenAddr:     "0.0.0.0",
			Port:           30333,
			MaxPeers:       50,
			Seeds:          []string{},
			SeedRetries:    3,
			SeedRetryDelay: time.Second,
		},
		Sync: SyncConfig{
			ChunkSize:          blocksync.DefaultChunkSize,
			InitialSlots:       blocksync.DefaultInitialSlots,
			AdvanceWindow:      blocksync.DefaultAdvanceWindow,
			AttemptTimeout:     blocksync.DefaultAttemptTimeout,
			SlowAttemptTimeout: 15 * time.Second,
			RetryDelay:         blocksync.DefaultRetryDelay,
			NoPeerBackoff:      blocksync.DefaultNoPeerBackoff,
			MaxForkDepth:       blocksync.DefaultMaxForkDepth,
			SwitchAdvance:      blocksync.DefaultSwitchAdvance,
			AvgGenTime:         blocksync.DefaultAvgGenTime,
			Interval:           30 * time.Second,
			Cache:              "file",
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30334
	return cfg
}

// Default returns the default node configuration for the given network.
// Networks other than testnet start from the mainnet defaults.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Mainnet, "":
		return DefaultMainnet()
	default:
		cfg := DefaultMainnet()
		cfg.Network = network
		return cfg
	}
}

// ToSyncConfig maps the sync section onto the engine configuration.
func (c *Config) ToSyncConfig() blocksync.Config {
	s := c.Sync
	return blocksync.Config{
		ChunkSize:          s.ChunkSize,
		AdvanceWindow:      s.AdvanceWindow,
		InitialSlots:       s.InitialSlots,
		MaxParallel:        s.MaxParallel,
		AttemptTimeout:     s.AttemptTimeout,
		SlowAttemptTimeout: s.SlowAttemptTimeout,
		RetryDelay:         s.RetryDelay,
		NoPeerBackoff:      s.NoPeerBackoff,
		Slow:               s.Slow,
		Cautious:           s.Cautious,
		MaxForkDepth:       s.MaxForkDepth,
		SwitchAdvance:      s.SwitchAdvance,
		AvgGenTime:         s.AvgGenTime,
	}
}
