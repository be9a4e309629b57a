package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingsync/pkg/block"
)

// Stream protocols served by every node.
const (
	// CurrentProtocol returns the peer's HEAD block.
	CurrentProtocol = protocol.ID("/klingsync/current/1.0.0")

	// BlockProtocol returns one block by number.
	BlockProtocol = protocol.ID("/klingsync/block/1.0.0")

	// BlocksProtocol returns a run of consecutive blocks.
	BlocksProtocol = protocol.ID("/klingsync/blocks/1.0.0")
)

// TopicHeads returns the GossipSub topic carrying HEAD announcements for a
// network.
func TopicHeads(networkID string) string {
	if networkID == "" {
		networkID = "default"
	}
	return fmt.Sprintf("/klingsync/%s/heads/1.0.0", networkID)
}

// Wire limits.
const (
	// MaxBlocksPerRequest caps the run a peer serves in one response.
	MaxBlocksPerRequest = 500

	// maxRequestBytes limits a decoded request.
	maxRequestBytes = 4 * 1024

	// maxBlockResponseBytes limits a single-block response (2 MB).
	maxBlockResponseBytes = 2 * 1024 * 1024

	// maxBlocksResponseBytes limits a multi-block response (64 MB).
	maxBlocksResponseBytes = 64 * 1024 * 1024

	// maxAnnouncementBytes limits a gossiped HEAD announcement.
	maxAnnouncementBytes = 1024

	// maxPubsubMessageBytes limits a GossipSub RPC frame.
	maxPubsubMessageBytes = 64 * 1024
)

// Response status codes.
const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// BlockRequest asks for the block at Number.
type BlockRequest struct {
	Number uint64 `json:"number"`
}

// BlocksRequest asks for Count blocks starting at From.
type BlocksRequest struct {
	From  uint64 `json:"from"`
	Count uint32 `json:"count"`
}

// BlockResponse carries a single block.
type BlockResponse struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Block  *block.Block `json:"block,omitempty"`
}

// BlocksResponse carries a run of blocks.
type BlocksResponse struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Blocks []*block.Block `json:"blocks"`
}

// HeadAnnouncement is gossiped when a node's HEAD moves.
type HeadAnnouncement struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	MedianTime uint64 `json:"median_time"`
}
