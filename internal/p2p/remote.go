package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingsync/internal/blocksync"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// defaultReadTimeout applies when the request context has no deadline.
const defaultReadTimeout = 30 * time.Second

// Remote is a connected peer seen through the block protocols.
type Remote struct {
	host host.Host
	id   peer.ID
}

// NewRemote wraps a peer reachable from h.
func NewRemote(h host.Host, id peer.ID) *Remote {
	return &Remote{host: h, id: id}
}

// PeerID returns the libp2p peer ID.
func (r *Remote) PeerID() peer.ID { return r.id }

// ID returns the peer ID string.
func (r *Remote) ID() string { return r.id.String() }

// GetCurrent asks the peer for its HEAD.
func (r *Remote) GetCurrent(ctx context.Context) (*block.Block, error) {
	var resp BlockResponse
	if err := r.roundTrip(ctx, CurrentProtocol, nil, maxBlockResponseBytes, &resp); err != nil {
		return nil, err
	}
	if err := statusErr(resp.Status, resp.Error); err != nil {
		return nil, err
	}
	if resp.Block == nil {
		return nil, errors.New("empty block in response")
	}
	return resp.Block, nil
}

// GetBlock asks the peer for the block at number.
func (r *Remote) GetBlock(ctx context.Context, number uint64) (*block.Block, error) {
	var resp BlockResponse
	req := &BlockRequest{Number: number}
	if err := r.roundTrip(ctx, BlockProtocol, req, maxBlockResponseBytes, &resp); err != nil {
		return nil, err
	}
	if err := statusErr(resp.Status, resp.Error); err != nil {
		return nil, err
	}
	if resp.Block == nil {
		return nil, errors.New("empty block in response")
	}
	return resp.Block, nil
}

// GetBlocks asks the peer for up to count blocks starting at from.
// Requests above MaxBlocksPerRequest are truncated by the server.
func (r *Remote) GetBlocks(ctx context.Context, count int, from uint64) ([]*block.Block, error) {
	if count <= 0 {
		return nil, nil
	}
	if count > MaxBlocksPerRequest {
		count = MaxBlocksPerRequest
	}
	var resp BlocksResponse
	req := &BlocksRequest{From: from, Count: uint32(count)}
	if err := r.roundTrip(ctx, BlocksProtocol, req, maxBlocksResponseBytes, &resp); err != nil {
		return nil, err
	}
	if err := statusErr(resp.Status, resp.Error); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// roundTrip opens a stream, writes req (if any) and decodes one response.
func (r *Remote) roundTrip(ctx context.Context, proto protocol.ID, req any, limit int64, resp any) error {
	stream, err := r.host.NewStream(ctx, r.id, proto)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", proto, err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultReadTimeout)
	}
	_ = stream.SetDeadline(deadline)

	if req != nil {
		if err := json.NewEncoder(stream).Encode(req); err != nil {
			stream.Reset()
			return fmt.Errorf("write request: %w", err)
		}
	}
	stream.CloseWrite()

	// The stream does not observe ctx after it is opened.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Reset()
		case <-done:
		}
	}()

	if err := json.NewDecoder(io.LimitReader(stream, limit)).Decode(resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

func statusErr(status, msg string) error {
	switch status {
	case StatusOK:
		return nil
	case StatusNotFound:
		return blocksync.ErrBlockNotFound
	case StatusError:
		return fmt.Errorf("remote error: %s", msg)
	default:
		return fmt.Errorf("unknown response status %q", status)
	}
}

var _ blocksync.RemotePeer = (*Remote)(nil)
