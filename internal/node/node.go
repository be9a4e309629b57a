// Package node wires storage, the ledger, the chunk cache, p2p networking
// and the sync engine into a running klingsyncd node.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingsync/config"
	"github.com/Klingon-tech/klingsync/internal/blocksync"
	"github.com/Klingon-tech/klingsync/internal/chunkcache"
	"github.com/Klingon-tech/klingsync/internal/ledger"
	klog "github.com/Klingon-tech/klingsync/internal/log"
	"github.com/Klingon-tech/klingsync/internal/p2p"
	"github.com/Klingon-tech/klingsync/internal/storage"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// eventBuffer is the progress stream capacity.
const eventBuffer = 256

// Node is a fully-initialized sync node.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db     storage.DB
	ledger *ledger.Ledger
	cache  blocksync.ChunkCache

	// Networking
	p2pNode *p2p.Node
	server  *p2p.Server

	// Sync
	syncer  *blocksync.Synchronizer
	events  *blocksync.Events
	trigger chan struct{}
	syncTo  atomic.Uint64
	last    atomic.Pointer[blocksync.Result]

	// Metrics
	registry    *prometheus.Registry
	metrics     *blocksync.Metrics
	metricsSrv  *http.Server
	metricsAddr string

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a node: logger, storage, ledger, cache, p2p
// and the synchronizer. Background sync starts with Start.
func New(cfg *config.Config) (*Node, error) {
	expandPaths(cfg)

	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		if err := os.MkdirAll(cfg.LogsDir(), 0o755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(cfg.LogsDir(), "klingsyncd.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node.With().Str("network", string(cfg.Network)).Logger()
	logger.Info().Str("datadir", cfg.DataDir).Msg("Starting klingsyncd")

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("engine", cfg.Storage.Engine).Msg("Database opened")

	// ── 3. Ledger ───────────────────────────────────────────────────
	led, err := ledger.Open(db, klog.Ledger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if head, _ := led.CurrentBlock(); head != nil {
		logger.Info().
			Uint64("height", head.Number).
			Str("head", head.Hash.Short()).
			Msg("Ledger resumed from database")
	} else {
		logger.Info().Msg("Ledger is empty, syncing from genesis")
	}

	// ── 4. Chunk cache ──────────────────────────────────────────────
	cache, err := chunkcache.Open(cfg.Sync.Cache, cfg.ChunksDir(), db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open chunk cache: %w", err)
	}
	klog.Cache.Info().Str("kind", cfg.Sync.Cache).Str("dir", cfg.ChunksDir()).Msg("Chunk cache ready")

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		ledger:   led,
		cache:    cache,
		events:   blocksync.NewEvents(eventBuffer),
		trigger:  make(chan struct{}, 1),
		registry: prometheus.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	// ── 5. Metrics ──────────────────────────────────────────────────
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = blocksync.NewMetrics(n.registry)
	if head, _ := led.CurrentBlock(); head != nil {
		n.metrics.LocalHeight.Set(float64(head.Number))
	}

	// ── 6. P2P ──────────────────────────────────────────────────────
	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr:     cfg.P2P.ListenAddr,
		Port:           cfg.P2P.Port,
		Seeds:          cfg.P2P.Seeds,
		MaxPeers:       cfg.P2P.MaxPeers,
		NoDiscover:     cfg.P2P.NoDiscover,
		DB:             db,
		DHTServer:      cfg.P2P.DHTServer,
		NetworkID:      string(cfg.Network),
		DataDir:        cfg.ChainDataDir(),
		SeedRetries:    cfg.P2P.SeedRetries,
		SeedRetryDelay: cfg.P2P.SeedRetryDelay,
	})
	n.p2pNode.SetHeadHandler(n.handleHeadAnnouncement)
	n.p2pNode.SetPeerConnectedHandler(func(peer.ID) { n.requestSync() })
	if err := n.p2pNode.Start(); err != nil {
		cancel()
		n.closeStorage()
		return nil, fmt.Errorf("start p2p: %w", err)
	}
	if cfg.P2P.ClearBans {
		n.clearBans()
	}
	n.server = p2p.NewServer(n.p2pNode.Host(), led, klog.P2P)
	n.server.Register()

	logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Strs("addrs", n.p2pNode.Addrs()).
		Msg("P2P started")

	// ── 7. Synchronizer ─────────────────────────────────────────────
	n.syncer = blocksync.NewSynchronizer(cfg.ToSyncConfig(), led, klog.Sync)
	n.syncer.SetMetrics(n.metrics)
	n.syncer.SetEvents(n.events)
	n.syncer.SetExcludeHook(n.p2pNode.BanManager.ExcludeHook())
	if cache != nil {
		n.syncer.SetCache(cache)
	}
	led.SetHeadHandler(func(head *block.Block) {
		n.metrics.LocalHeight.Set(float64(head.Number))
	})

	return n, nil
}

func openStorage(cfg *config.Config) (storage.DB, error) {
	switch cfg.Storage.Engine {
	case config.StorageMemory:
		return storage.NewMemory(), nil
	case config.StorageBadger, "":
		db, err := storage.NewBadger(cfg.DBDir())
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

// SetSyncTarget limits syncs to block number to. Zero follows the best HEAD.
func (n *Node) SetSyncTarget(to uint64) {
	n.syncTo.Store(to)
}

// Start launches the metrics endpoint, the progress observer and the sync
// loop. The first sync runs immediately.
func (n *Node) Start() error {
	if n.cfg.Metrics.Addr != "" {
		if err := n.startMetrics(n.cfg.Metrics.Addr); err != nil {
			return err
		}
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.observeProgress()
	}()
	go func() {
		defer n.wg.Done()
		n.runSyncLoop()
	}()

	head, _ := n.ledger.CurrentBlock()
	ev := n.logger.Info().
		Int("peers", n.p2pNode.PeerCount()).
		Dur("interval", n.cfg.Sync.Interval).
		Str("cache", n.cfg.Sync.Cache)
	if head != nil {
		ev = ev.Uint64("height", head.Number)
	}
	ev.Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.events.Close()
	n.wg.Wait()

	if n.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if n.server != nil {
		n.server.Unregister()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	n.closeStorage()

	n.logger.Info().Msg("Goodbye!")
	klog.Close()
}

func (n *Node) closeStorage() {
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

// Ledger returns the local chain.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// P2P returns the p2p node.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// LastResult returns the outcome of the last successful sync, or nil.
func (n *Node) LastResult() *blocksync.Result { return n.last.Load() }

// MetricsAddr returns the address the metrics endpoint listens on.
func (n *Node) MetricsAddr() string { return n.metricsAddr }

// Height returns the local HEAD number and whether the chain has a block.
func (n *Node) Height() (uint64, bool) { return n.ledger.Height() }

func (n *Node) clearBans() {
	bans := n.p2pNode.BanManager.BanList()
	for _, rec := range bans {
		id, err := peer.Decode(rec.ID)
		if err != nil {
			continue
		}
		n.p2pNode.BanManager.Unban(id)
	}
	n.logger.Info().Int("count", len(bans)).Msg("Peer bans cleared")
}

// ── Metrics ─────────────────────────────────────────────────────────

func (n *Node) startMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{Registry: n.registry}))
	n.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	n.metricsAddr = ln.Addr().String()

	go func() {
		if err := n.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	n.logger.Info().Str("addr", n.metricsAddr).Msg("Metrics endpoint listening")
	return nil
}

// ── Sync ────────────────────────────────────────────────────────────

func (n *Node) observeProgress() {
	if !n.cfg.Log.JSON && term.IsTerminal(int(os.Stdout.Fd())) {
		blocksync.TermProgress(n.ctx, n.events, os.Stdout)
		return
	}
	blocksync.LogProgress(n.ctx, n.events, klog.Sync)
}

// requestSync schedules a sync without blocking. Requests made while one
// is pending collapse into one.
func (n *Node) requestSync() {
	select {
	case n.trigger <- struct{}{}:
	default:
	}
}

func (n *Node) handleHeadAnnouncement(from peer.ID, ann *p2p.HeadAnnouncement) {
	if height, ok := n.ledger.Height(); ok && ann.Number <= height {
		return
	}
	if to := n.syncTo.Load(); to > 0 {
		if height, ok := n.ledger.Height(); ok && height >= to {
			return
		}
	}
	n.logger.Debug().
		Str("peer", from.String()).
		Uint64("number", ann.Number).
		Msg("Higher head announced")
	n.requestSync()
}

func (n *Node) runSyncLoop() {
	ticker := time.NewTicker(n.cfg.Sync.Interval)
	defer ticker.Stop()

	n.runSync()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		case <-n.trigger:
		}
		n.runSync()
	}
}

// runSync runs one sync against the connected peers.
func (n *Node) runSync() {
	remotes := n.p2pNode.Remotes()
	if len(remotes) == 0 {
		n.logger.Debug().Msg("No peers to sync from")
		return
	}

	var (
		res *blocksync.Result
		err error
	)
	if to := n.syncTo.Load(); to > 0 {
		if height, ok := n.ledger.Height(); ok && height >= to {
			return
		}
		res, err = n.syncer.SyncTo(n.ctx, remotes, to)
	} else {
		res, err = n.syncer.Sync(n.ctx, remotes)
	}

	switch {
	case err == nil:
	case n.ctx.Err() != nil:
		return
	case errors.Is(err, blocksync.ErrNoPeersAvailable):
		n.logger.Info().Int("peers", len(remotes)).Msg("No peer could serve the sync")
		return
	case errors.Is(err, blocksync.ErrBlockRejected):
		n.logger.Error().Err(err).Msg("Ledger rejected a block, sync aborted")
		return
	default:
		n.logger.Warn().Err(err).Msg("Sync failed")
		return
	}

	n.last.Store(res)
	if res.UpToDate && !res.Switched {
		return
	}
	if len(res.ForksIgnored) > 0 {
		n.logger.Info().Int("forks", len(res.ForksIgnored)).Msg("Fork candidates ignored")
	}
	if res.Head != nil {
		if err := n.p2pNode.AnnounceHead(res.Head); err != nil {
			n.logger.Debug().Err(err).Msg("Failed to announce head")
		}
	}
}
