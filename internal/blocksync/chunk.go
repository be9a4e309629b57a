package blocksync

import (
	"fmt"

	"github.com/Klingon-tech/klingsync/pkg/block"
	"github.com/Klingon-tech/klingsync/pkg/types"
)

// ChunkState is the lifecycle position of a chunk.
type ChunkState int

// Chunk states, in lifecycle order.
const (
	ChunkWanted ChunkState = iota
	ChunkDownloading
	ChunkDownloaded
	ChunkVerified
	ChunkCached
)

func (s ChunkState) String() string {
	switch s {
	case ChunkWanted:
		return "wanted"
	case ChunkDownloading:
		return "downloading"
	case ChunkDownloaded:
		return "downloaded"
	case ChunkVerified:
		return "verified"
	case ChunkCached:
		return "cached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SourceCache marks a chunk read from the local cache.
const SourceCache = "cache"

// Chunk is a contiguous run of blocks handed to the orchestrator.
type Chunk struct {
	Index  int
	From   uint64
	Count  int
	Source string
	Blocks []*block.Block
}

// Last returns the last block number covered by the chunk.
func (c *Chunk) Last() uint64 {
	return c.From + uint64(c.Count) - 1
}

// ChunkKey is the cache key of a full chunk starting at from.
func ChunkKey(from uint64, chunkSize int) string {
	return fmt.Sprintf("chunk_%d-%d.json", from, chunkSize)
}

// chunkEntry is the scheduler's private record of one chunk.
type chunkEntry struct {
	Chunk
	state       ChunkState
	cacheFailed bool
	tried       []string // peers whose copy failed for this chunk
	delayed     bool     // next attempt waits for the retry delay
	head        *block.Block
	hashes      []types.Hash // set once verified
}

func (e *chunkEntry) avoid(id string) {
	for _, t := range e.tried {
		if t == id {
			return
		}
	}
	e.tried = append(e.tried, id)
}

// chunkLayout splits (from .. target) into chunks. The top chunk holds the
// remainder, or a full chunk when the count divides evenly.
func chunkLayout(from, target uint64, chunkSize int) []*chunkEntry {
	if from > target {
		return nil
	}
	total := target - from + 1
	size := uint64(chunkSize)
	n := int((total + size - 1) / size)
	entries := make([]*chunkEntry, n)
	for i := 0; i < n; i++ {
		start := from + uint64(i)*size
		count := size
		if i == n-1 {
			count = total - uint64(i)*size
		}
		entries[i] = &chunkEntry{Chunk: Chunk{Index: i, From: start, Count: int(count)}}
	}
	return entries
}
