package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingsync/internal/log"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// NewHeadAnnouncement describes b for gossip.
func NewHeadAnnouncement(b *block.Block) *HeadAnnouncement {
	return &HeadAnnouncement{
		Number:     b.Number,
		Hash:       b.Hash.String(),
		MedianTime: b.MedianTime,
	}
}

// AnnounceHead publishes b as this node's new HEAD.
func (n *Node) AnnounceHead(b *block.Block) error {
	if n.topicHeads == nil {
		return errors.New("p2p node not started")
	}
	data, err := json.Marshal(NewHeadAnnouncement(b))
	if err != nil {
		return fmt.Errorf("marshal head announcement: %w", err)
	}
	return n.topicHeads.Publish(n.ctx, data)
}

func (n *Node) joinHeads() error {
	var err error
	n.topicHeads, err = n.pubsub.Join(TopicHeads(n.config.NetworkID))
	if err != nil {
		return fmt.Errorf("join heads topic: %w", err)
	}
	n.subHeads, err = n.topicHeads.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe heads: %w", err)
	}
	return nil
}

func (n *Node) readHeads() {
	for {
		msg, err := n.subHeads.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.handleHead(msg.ReceivedFrom, msg.Data)
	}
}

func (n *Node) handleHead(from peer.ID, data []byte) {
	var ann HeadAnnouncement
	if len(data) > maxAnnouncementBytes || json.Unmarshal(data, &ann) != nil || ann.Hash == "" {
		n.BanManager.RecordOffense(from, PenaltyBadAnnouncement, "bad head announcement")
		return
	}

	n.addPeer(from, SourceGossip)
	n.mu.Lock()
	if p, ok := n.peers[from]; ok && ann.Number >= p.Head {
		p.Head = ann.Number
		p.HeadAt = time.Now()
	}
	n.mu.Unlock()

	klog.P2P.Trace().
		Str("peer", shortID(from)).
		Uint64("number", ann.Number).
		Msg("Head announced")

	if fn := n.headHandler; fn != nil {
		fn(from, &ann)
	}
}
