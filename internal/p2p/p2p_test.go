package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingsync/internal/blocksync"
	"github.com/Klingon-tech/klingsync/internal/ledger"
	"github.com/Klingon-tech/klingsync/internal/storage"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// --- Helpers ---

func testChain(to uint64) []*block.Block {
	var out []*block.Block
	var prev *block.Block
	for n := uint64(0); n <= to; n++ {
		b := &block.Block{
			Version:    1,
			Number:     n,
			MedianTime: n * 600,
			Issuer:     "p2p",
			Payload:    []byte(fmt.Sprintf("block-%d", n)),
		}
		if prev != nil {
			b.PreviousHash = prev.Hash
		}
		b.Seal()
		out = append(out, b)
		prev = b
	}
	return out
}

func testLedger(t *testing.T, blocks []*block.Block) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(storage.NewMemory(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if len(blocks) > 0 {
		if err := l.ApplyBlocksFast(blocks, blocks[len(blocks)-1].Number); err != nil {
			t.Fatalf("fill ledger: %v", err)
		}
	}
	return l
}

// startTestNode creates, starts and returns a P2P node on a random port.
func startTestNode(t *testing.T) *Node {
	t.Helper()
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// serveChain registers block handlers for chain on n.
func serveChain(n *Node, chain ChainReader) {
	NewServer(n.host, chain, zerolog.Nop()).Register()
}

// connectNodes connects node b to node a.
func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	aInfo := peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.host.Connect(ctx, aInfo); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
	a.addPeer(b.host.ID(), "")
	b.addPeer(a.host.ID(), "")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// --- Node lifecycle ---

func TestNode_New(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1"})
	if n.host != nil {
		t.Error("host should be nil before Start")
	}
	if n.ID() != "" || n.Addrs() != nil {
		t.Error("ID and Addrs should be empty before Start")
	}
	if n.config.SeedRetries != defaultSeedRetries || n.config.SeedRetryDelay != defaultSeedRetryDelay {
		t.Errorf("seed retry defaults not applied: %+v", n.config)
	}
	if err := n.AnnounceHead(testChain(0)[0]); err == nil {
		t.Error("AnnounceHead before Start should fail")
	}
	if err := n.DisconnectPeer(peer.ID("x")); err == nil {
		t.Error("DisconnectPeer before Start should fail")
	}
}

func TestNode_StartStop(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.ID() == "" || len(n.Addrs()) == 0 {
		t.Error("ID and Addrs should be set after Start")
	}
	if n.BanManager == nil {
		t.Error("BanManager should be set after Start")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNode_StopBeforeStart(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1"})
	if err := n.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestNode_StartStop_WithDHT(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, DB: storage.NewMemory()})
	if err := n.Start(); err != nil {
		t.Fatalf("Start with DHT: %v", err)
	}
	if n.dht == nil {
		t.Error("DHT should be initialized when NoDiscover is false")
	}
	if n.peerStore == nil {
		t.Error("peerStore should be initialized when DB is provided")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n.dht != nil {
		t.Error("DHT should be nil after Stop")
	}
}

func TestNode_Rendezvous(t *testing.T) {
	if got := New(Config{NetworkID: "testnet-1"}).rendezvous(); got != "klingsync/testnet-1" {
		t.Errorf("rendezvous = %q", got)
	}
	if got := New(Config{}).rendezvous(); got != rendezvousFallback {
		t.Errorf("rendezvous = %q, want %q", got, rendezvousFallback)
	}
}

func TestTopicHeads(t *testing.T) {
	if got := TopicHeads("main"); got != "/klingsync/main/heads/1.0.0" {
		t.Errorf("TopicHeads(main) = %q", got)
	}
	if got := TopicHeads(""); got != "/klingsync/default/heads/1.0.0" {
		t.Errorf("TopicHeads(\"\") = %q", got)
	}
}

func TestNode_IdentityPersists(t *testing.T) {
	dir := t.TempDir()
	start := func() peer.ID {
		n := New(Config{ListenAddr: "127.0.0.1", NoDiscover: true, DataDir: dir})
		if err := n.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer n.Stop()
		return n.ID()
	}
	first, second := start(), start()
	if first != second {
		t.Errorf("peer ID changed across restarts: %s != %s", first, second)
	}
}

// --- Block protocols ---

func TestServer_RoundTrips(t *testing.T) {
	chain := testChain(9)
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	serveChain(nodeA, testLedger(t, chain))
	connectNodes(t, nodeA, nodeB)

	r := NewRemote(nodeB.host, nodeA.host.ID())
	if r.ID() != nodeA.host.ID().String() {
		t.Errorf("ID = %s", r.ID())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	head, err := r.GetCurrent(ctx)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if head.Hash != chain[9].Hash {
		t.Errorf("GetCurrent = #%d %s", head.Number, head.Hash.Short())
	}

	b, err := r.GetBlock(ctx, 3)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if b.Hash != chain[3].Hash || b.VerifyHashes() != nil {
		t.Errorf("GetBlock(3) returned a different block")
	}

	if _, err := r.GetBlock(ctx, 20); !errors.Is(err, blocksync.ErrBlockNotFound) {
		t.Errorf("GetBlock(20) err = %v, want ErrBlockNotFound", err)
	}

	tests := []struct {
		count int
		from  uint64
		want  []uint64
	}{
		{4, 2, []uint64{2, 3, 4, 5}},
		{5, 8, []uint64{8, 9}},
		{3, 15, nil},
		{0, 0, nil},
		{MaxBlocksPerRequest + 10, 0, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
	}
	for _, tt := range tests {
		got, err := r.GetBlocks(ctx, tt.count, tt.from)
		if err != nil {
			t.Fatalf("GetBlocks(%d, %d): %v", tt.count, tt.from, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("GetBlocks(%d, %d) returned %d blocks, want %d", tt.count, tt.from, len(got), len(tt.want))
		}
		for i, b := range got {
			if b.Number != tt.want[i] || b.Hash != chain[b.Number].Hash {
				t.Errorf("GetBlocks(%d, %d)[%d] = #%d", tt.count, tt.from, i, b.Number)
			}
		}
	}
}

func TestServer_EmptyChain(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	serveChain(nodeA, testLedger(t, nil))
	connectNodes(t, nodeA, nodeB)

	r := NewRemote(nodeB.host, nodeA.host.ID())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.GetCurrent(ctx); !errors.Is(err, blocksync.ErrBlockNotFound) {
		t.Errorf("GetCurrent on empty chain err = %v, want ErrBlockNotFound", err)
	}
	blocks, err := r.GetBlocks(ctx, 10, 0)
	if err != nil || len(blocks) != 0 {
		t.Errorf("GetBlocks on empty chain = %d blocks, %v", len(blocks), err)
	}
}

type failingChain struct{}

func (failingChain) CurrentBlock() (*block.Block, error) { return nil, errors.New("disk on fire") }
func (failingChain) BlockByNumber(uint64) (*block.Block, error) {
	return nil, errors.New("disk on fire")
}
func (failingChain) BlocksFrom(uint64, int) ([]*block.Block, error) {
	return nil, errors.New("disk on fire")
}

func TestServer_RemoteError(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	serveChain(nodeA, failingChain{})
	connectNodes(t, nodeA, nodeB)

	r := NewRemote(nodeB.host, nodeA.host.ID())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.GetBlock(ctx, 1); err == nil || errors.Is(err, blocksync.ErrBlockNotFound) {
		t.Errorf("GetBlock err = %v, want remote error", err)
	}
	if _, err := r.GetBlocks(ctx, 2, 0); err == nil {
		t.Error("GetBlocks should fail")
	}
}

// stuckChain blocks every read until release is closed.
type stuckChain struct{ release chan struct{} }

func (c stuckChain) CurrentBlock() (*block.Block, error) {
	<-c.release
	return nil, nil
}
func (c stuckChain) BlockByNumber(uint64) (*block.Block, error) {
	<-c.release
	return nil, blocksync.ErrBlockNotFound
}
func (c stuckChain) BlocksFrom(uint64, int) ([]*block.Block, error) {
	<-c.release
	return nil, nil
}

func TestRemote_ContextDeadline(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	chain := stuckChain{release: make(chan struct{})}
	t.Cleanup(func() { close(chain.release) })
	serveChain(nodeA, chain)
	connectNodes(t, nodeA, nodeB)

	r := NewRemote(nodeB.host, nodeA.host.ID())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.GetBlocks(ctx, 10, 0)
	if err == nil {
		t.Fatal("GetBlocks should fail on deadline")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("GetBlocks returned after %v", elapsed)
	}
}

func TestTwoNodes_Synchronize(t *testing.T) {
	chain := testChain(40)
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	serveChain(nodeA, testLedger(t, chain))
	connectNodes(t, nodeA, nodeB)

	local := testLedger(t, chain[:5])
	cfg := blocksync.DefaultConfig()
	cfg.ChunkSize = 8
	s := blocksync.NewSynchronizer(cfg, local, zerolog.Nop())

	remotes := nodeB.Remotes()
	if len(remotes) != 1 || remotes[0].ID() != nodeA.ID().String() {
		t.Fatalf("Remotes = %v", remotes)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := s.Sync(ctx, remotes)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Applied != 36 {
		t.Errorf("Applied = %d, want 36", res.Applied)
	}
	head, _ := local.CurrentBlock()
	if head.Hash != chain[40].Hash {
		t.Errorf("local head = #%d, want #40", head.Number)
	}
}

func TestNode_RemotesSkipBanned(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	nodeB.BanManager.mu.Lock()
	nodeB.BanManager.bans[nodeA.ID()] = &BanRecord{ID: nodeA.ID().String()}
	nodeB.BanManager.mu.Unlock()

	if got := nodeB.Remotes(); len(got) != 0 {
		t.Errorf("Remotes = %d, want 0 for banned peer", len(got))
	}
}

// --- Gossip ---

func TestTwoNodes_HeadGossip(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	var received atomic.Pointer[HeadAnnouncement]
	nodeB.SetHeadHandler(func(from peer.ID, ann *HeadAnnouncement) {
		if from == nodeA.ID() {
			received.Store(ann)
		}
	})

	head := testChain(7)[7]
	deadline := time.Now().Add(10 * time.Second)
	for received.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for head gossip")
		}
		if err := nodeA.AnnounceHead(head); err != nil {
			t.Fatalf("AnnounceHead: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	ann := received.Load()
	if ann.Number != 7 || ann.Hash != head.Hash.String() || ann.MedianTime != head.MedianTime {
		t.Errorf("announcement = %+v", ann)
	}
	for _, p := range nodeB.PeerList() {
		if p.ID == nodeA.ID() && p.Head != 7 {
			t.Errorf("peer head = %d, want 7", p.Head)
		}
	}
}

func TestNode_HandleHead(t *testing.T) {
	n := startTestNode(t)
	from := generateTestPeerID(t)

	var calls int
	n.SetHeadHandler(func(peer.ID, *HeadAnnouncement) { calls++ })

	n.handleHead(from, []byte("{not json"))
	n.handleHead(from, []byte(`{"number":3}`))
	if got := n.BanManager.Score(from); got != 2*PenaltyBadAnnouncement {
		t.Errorf("score = %d, want %d", got, 2*PenaltyBadAnnouncement)
	}
	if calls != 0 {
		t.Errorf("handler called %d times for bad announcements", calls)
	}

	n.handleHead(from, []byte(`{"number":9,"hash":"aa","median_time":1}`))
	n.handleHead(from, []byte(`{"number":4,"hash":"bb","median_time":1}`))
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
	var head uint64
	for _, p := range n.PeerList() {
		if p.ID == from {
			head = p.Head
		}
	}
	if head != 9 {
		t.Errorf("peer head = %d, want highest announced 9", head)
	}
}

// --- Persistence ---

func TestNode_PeerPersistence(t *testing.T) {
	db := storage.NewMemory()
	nodeA := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, DB: db})
	if err := nodeA.Start(); err != nil {
		t.Fatalf("Start nodeA: %v", err)
	}
	defer nodeA.Stop()
	nodeB := startTestNode(t)

	aInfo := peer.AddrInfo{ID: nodeA.host.ID(), Addrs: nodeA.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := nodeB.host.Connect(ctx, aInfo); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return nodeA.PeerCount() >= 1 })

	nodeA.persistPeers()

	records, err := NewPeerStore(db).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	var found *PeerRecord
	for i := range records {
		if records[i].ID == nodeB.ID().String() {
			found = &records[i]
		}
	}
	if found == nil {
		t.Fatal("nodeB not found in persisted peers")
	}
	if found.Source != SourceInbound {
		t.Errorf("source = %q, want %q", found.Source, SourceInbound)
	}
	if len(found.Addrs) == 0 {
		t.Error("persisted peer has no addresses")
	}
}

func TestNode_SeedConnect(t *testing.T) {
	seed := startTestNode(t)

	n := New(Config{
		ListenAddr:     "127.0.0.1",
		NoDiscover:     true,
		Seeds:          []string{seed.Addrs()[0], "not-a-multiaddr"},
		SeedRetryDelay: 10 * time.Millisecond,
	})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	list := n.PeerList()
	if len(list) != 1 || list[0].ID != seed.ID() {
		t.Fatalf("PeerList = %+v, want the seed", list)
	}
	if list[0].Source != SourceSeed {
		t.Errorf("source = %q, want %q", list[0].Source, SourceSeed)
	}
}
