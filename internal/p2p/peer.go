package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer sources.
const (
	SourceSeed    = "seed"
	SourceDHT     = "dht"
	SourceMDNS    = "mdns"
	SourceGossip  = "gossip"
	SourceInbound = "inbound"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string
	Head        uint64 // Last announced HEAD number, 0 until announced.
	HeadAt      time.Time
}

// shortID trims a peer ID for log fields.
func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
