// Package p2p implements peer-to-peer networking using libp2p: discovery,
// the block serving protocols and HEAD gossip.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"

	"github.com/Klingon-tech/klingsync/internal/blocksync"
	klog "github.com/Klingon-tech/klingsync/internal/log"
	"github.com/Klingon-tech/klingsync/internal/storage"
)

const (
	// rendezvousFallback is the discovery namespace when no NetworkID is set.
	rendezvousFallback = "klingsync"

	dhtDiscoveryInterval = 30 * time.Second
	peerConnectTimeout   = 5 * time.Second
	seedConnectTimeout   = 10 * time.Second
	seedLoopInterval     = 10 * time.Second
	banPruneInterval     = 10 * time.Minute

	defaultSeedRetries    = 3
	defaultSeedRetryDelay = time.Second
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int // 0 = unlimited.
	NoDiscover bool
	DB         storage.DB // Peer and ban persistence, nil disables it.
	DHTServer  bool
	NetworkID  string // Isolates discovery and gossip per network.
	DataDir    string // Directory holding the node identity, "" = ephemeral.

	SeedRetries    uint          // Attempts per seed on startup.
	SeedRetryDelay time.Duration // Wait between seed attempts.
}

// HeadHandler receives HEAD announcements from peers.
type HeadHandler func(from peer.ID, ann *HeadAnnouncement)

// Node represents a P2P node built on libp2p.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topicHeads  *pubsub.Topic
	subHeads    *pubsub.Subscription
	headHandler HeadHandler

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager      *BanManager
	peerStore       *PeerStore   // nil if Config.DB is nil
	dht             *dht.IpfsDHT // nil if NoDiscover
	connNotify      *connNotifier
	onPeerConnected func(peer.ID)
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	if cfg.SeedRetries == 0 {
		cfg.SeedRetries = defaultSeedRetries
	}
	if cfg.SeedRetryDelay == 0 {
		cfg.SeedRetryDelay = defaultSeedRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*Peer),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return rendezvousFallback + "/" + n.config.NetworkID
	}
	return rendezvousFallback
}

// Start initializes the libp2p host, pubsub and discovery.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)

	// The gater needs the ban manager before the host exists.
	var banStore *BanStore
	if n.config.DB != nil {
		banStore = NewBanStore(n.config.DB)
	}
	n.BanManager = NewBanManager(banStore, n)
	if err := n.BanManager.LoadBans(); err != nil {
		klog.P2P.Warn().Err(err).Msg("Failed to load bans")
	}

	gater := &connGater{bans: n.BanManager}
	if n.config.MaxPeers > 0 {
		gater.full = func() bool { return n.PeerCount() >= n.config.MaxPeers }
	}
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(gater),
	}
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h,
		pubsub.WithMaxMessageSize(maxPubsubMessageBytes),
	)
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinHeads(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}
	go n.readHeads()

	go n.loadPersistedPeers()

	if len(n.config.Seeds) > 0 {
		klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
		n.connectSeeds(n.config.SeedRetries)
		go n.connectSeedsLoop()
	}

	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}
	if n.peerStore != nil {
		go n.runPersistLoop()
	}
	go n.BanManager.RunPruneLoop(n.ctx.Done(), banPruneInterval)

	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	if n.subHeads != nil {
		n.subHeads.Cancel()
	}
	if n.topicHeads != nil {
		n.topicHeads.Close()
	}
	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetPeerConnectedHandler registers a callback invoked when a new peer connects.
func (n *Node) SetPeerConnectedHandler(fn func(peer.ID)) {
	n.onPeerConnected = fn
}

// SetHeadHandler registers a callback for HEAD announcements.
func (n *Node) SetHeadHandler(fn HeadHandler) {
	n.headHandler = fn
}

// DisconnectPeer closes all connections to a peer.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return errors.New("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers ordered by ID.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remotes returns the connected, non-banned peers as sync sources.
func (n *Node) Remotes() []blocksync.RemotePeer {
	var out []blocksync.RemotePeer
	for _, p := range n.PeerList() {
		if n.BanManager != nil && n.BanManager.IsBanned(p.ID) {
			continue
		}
		out = append(out, NewRemote(n.host, p.ID))
	}
	return out
}

func (n *Node) addPeer(id peer.ID, source string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, exists := n.peers[id]; exists {
		if p.Source == "" || p.Source == SourceInbound {
			p.Source = source
		}
		return false
	}
	n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now(), Source: source}
	return true
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

func (n *Node) setSource(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.Source = source
	}
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		klog.P2P.Debug().Err(err).Msg("mDNS unavailable")
	}
}

// connectSeeds dials every seed with up to attempts tries each. Returns
// the number of seeds connected.
func (n *Node) connectSeeds(attempts uint) int {
	connected := 0
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			klog.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		err = retry.Retry(func(attempt uint) error {
			ctx, cancel := context.WithTimeout(n.ctx, seedConnectTimeout)
			defer cancel()
			if err := n.host.Connect(ctx, *info); err != nil {
				if n.ctx.Err() != nil {
					return nil
				}
				klog.P2P.Debug().Str("peer", shortID(info.ID)).Uint("attempt", attempt).Err(err).Msg("Seed connect failed")
				return err
			}
			return nil
		}, strategy.Limit(attempts), strategy.Wait(n.config.SeedRetryDelay))
		if n.ctx.Err() != nil {
			return connected
		}
		if err != nil {
			klog.P2P.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed unreachable")
			continue
		}
		n.addPeer(info.ID, SourceSeed)
		klog.P2P.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected++
	}
	return connected
}

// connectSeedsLoop retries seeds while the node has no peers.
func (n *Node) connectSeedsLoop() {
	ticker := time.NewTicker(seedLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.PeerCount() == 0 {
				klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeeds(1)
			}
		}
	}
}

// --- DHT ---

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(rd)
		}
	}
}

func (n *Node) findDHTPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range peerCh {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
			return
		}
		connectCtx, connectCancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(connectCtx, p); err == nil {
			n.setSource(p.ID, SourceDHT)
		}
		connectCancel()
	}
}

// --- Peer persistence ---

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	peers := n.PeerList()
	records := make([]PeerRecord, 0, len(peers))
	for _, p := range peers {
		addrs := n.host.Peerstore().Addrs(p.ID)
		rec := PeerRecord{
			ID:       p.ID.String(),
			Addrs:    make([]string, len(addrs)),
			LastSeen: now,
			Source:   p.Source,
			Head:     p.Head,
		}
		for i, a := range addrs {
			rec.Addrs[i] = a.String()
		}
		records = append(records, rec)
	}
	if err := n.peerStore.SaveAll(records); err != nil {
		klog.P2P.Debug().Err(err).Msg("Failed to persist peers")
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	n.peerStore.PruneStale(staleThreshold)

	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		if n.ctx.Err() != nil {
			return
		}
		id, err := peer.Decode(rec.ID)
		if err != nil || id == n.host.ID() {
			continue
		}
		info := peer.AddrInfo{ID: id}
		for _, addr := range rec.Addrs {
			ai, err := peer.AddrInfoFromString(fmt.Sprintf("%s/p2p/%s", addr, rec.ID))
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ai.Addrs...)
		}
		if len(info.Addrs) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.setSource(id, rec.Source)
		}
		cancel()
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}

// loadOrCreateIdentity loads the hex-encoded Ed25519 node key from
// dataDir, generating and saving one on first start.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0o600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}
