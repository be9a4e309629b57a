package p2p

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingsync/internal/blocksync"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// serverWriteTimeout bounds writing one response.
const serverWriteTimeout = 30 * time.Second

// ChainReader is the part of the local chain a node serves to peers.
type ChainReader interface {
	CurrentBlock() (*block.Block, error)
	BlockByNumber(number uint64) (*block.Block, error)
	BlocksFrom(from uint64, count int) ([]*block.Block, error)
}

// Server answers block requests from peers.
type Server struct {
	host   host.Host
	chain  ChainReader
	logger zerolog.Logger
}

// NewServer creates a server reading from chain.
func NewServer(h host.Host, chain ChainReader, logger zerolog.Logger) *Server {
	return &Server{host: h, chain: chain, logger: logger}
}

// Register installs the stream handlers on the host.
func (s *Server) Register() {
	s.host.SetStreamHandler(CurrentProtocol, s.handleCurrent)
	s.host.SetStreamHandler(BlockProtocol, s.handleBlock)
	s.host.SetStreamHandler(BlocksProtocol, s.handleBlocks)
}

// Unregister removes the stream handlers.
func (s *Server) Unregister() {
	s.host.RemoveStreamHandler(CurrentProtocol)
	s.host.RemoveStreamHandler(BlockProtocol)
	s.host.RemoveStreamHandler(BlocksProtocol)
}

func (s *Server) handleCurrent(stream network.Stream) {
	defer stream.Close()

	head, err := s.chain.CurrentBlock()
	resp := BlockResponse{Status: StatusOK, Block: head}
	switch {
	case err != nil:
		resp = BlockResponse{Status: StatusError, Error: err.Error()}
	case head == nil:
		resp = BlockResponse{Status: StatusNotFound}
	}
	s.reply(stream, &resp)
}

func (s *Server) handleBlock(stream network.Stream) {
	defer stream.Close()

	var req BlockRequest
	if err := json.NewDecoder(io.LimitReader(stream, maxRequestBytes)).Decode(&req); err != nil {
		stream.Reset()
		return
	}

	b, err := s.chain.BlockByNumber(req.Number)
	resp := BlockResponse{Status: StatusOK, Block: b}
	switch {
	case errors.Is(err, blocksync.ErrBlockNotFound):
		resp = BlockResponse{Status: StatusNotFound}
	case err != nil:
		resp = BlockResponse{Status: StatusError, Error: err.Error()}
	}
	s.reply(stream, &resp)
}

func (s *Server) handleBlocks(stream network.Stream) {
	defer stream.Close()

	var req BlocksRequest
	if err := json.NewDecoder(io.LimitReader(stream, maxRequestBytes)).Decode(&req); err != nil {
		stream.Reset()
		return
	}
	if req.Count == 0 || req.Count > MaxBlocksPerRequest {
		req.Count = MaxBlocksPerRequest
	}

	blocks, err := s.chain.BlocksFrom(req.From, int(req.Count))
	resp := BlocksResponse{Status: StatusOK, Blocks: blocks}
	if err != nil {
		resp = BlocksResponse{Status: StatusError, Error: err.Error()}
	}
	s.reply(stream, &resp)
}

func (s *Server) reply(stream network.Stream, resp any) {
	_ = stream.SetWriteDeadline(time.Now().Add(serverWriteTimeout))
	if err := json.NewEncoder(stream).Encode(resp); err != nil {
		s.logger.Debug().
			Str("peer", shortID(stream.Conn().RemotePeer())).
			Str("protocol", string(stream.Protocol())).
			Err(err).
			Msg("Failed to write response")
	}
}
