package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingsync/internal/storage"
	"github.com/Klingon-tech/klingsync/pkg/block"
	"github.com/Klingon-tech/klingsync/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock    = []byte("b/")       // b/<hash(32)> -> block JSON
	prefixNumber   = []byte("n/")       // n/<number(8)> -> hash(32)
	keyTip         = []byte("s/tip")    // hash(32) + number(8)
	keyRevertPoint = []byte("s/revert") // number(8), present while a revert runs
)

// errNoTip is returned by GetTip on a fresh store.
var errNoTip = errors.New("no tip")

// BlockStore persists blocks, the number index and the tip to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// putBlock adds a block and its number index to batch.
func putBlock(batch storage.Batch, blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	if err := batch.Put(blockKey(blk.Hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := batch.Put(numberKey(blk.Number), blk.Hash[:]); err != nil {
		return fmt.Errorf("number index put: %w", err)
	}
	return nil
}

func putTip(batch storage.Batch, blk *block.Block) error {
	val := make([]byte, types.HashSize+8)
	copy(val, blk.Hash[:])
	binary.BigEndian.PutUint64(val[types.HashSize:], blk.Number)
	return batch.Put(keyTip, val)
}

// PutBlocks stores blocks and moves the tip to the last one in one batch.
func (bs *BlockStore) PutBlocks(blocks []*block.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	batch := storage.NewBatch(bs.db)
	for _, blk := range blocks {
		if err := putBlock(batch, blk); err != nil {
			return err
		}
	}
	if err := putTip(batch, blocks[len(blocks)-1]); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	return batch.Commit()
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByNumber retrieves a block on the active chain by its number.
func (bs *BlockStore) GetBlockByNumber(number uint64) (*block.Block, error) {
	hashBytes, err := bs.db.Get(numberKey(number))
	if err != nil {
		return nil, fmt.Errorf("number index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt number index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// GetTip returns the tip hash and number, or errNoTip on a fresh store.
func (bs *BlockStore) GetTip() (types.Hash, uint64, error) {
	val, err := bs.db.Get(keyTip)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, 0, errNoTip
	}
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("tip get: %w", err)
	}
	if len(val) != types.HashSize+8 {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip: got %d bytes", len(val))
	}
	var hash types.Hash
	copy(hash[:], val[:types.HashSize])
	return hash, binary.BigEndian.Uint64(val[types.HashSize:]), nil
}

// Truncate removes the blocks numbered above keep, from..to inclusive, and
// moves the tip to keep. Removed blocks are deleted, not just unindexed.
func (bs *BlockStore) Truncate(keep *block.Block, to uint64) error {
	batch := storage.NewBatch(bs.db)
	for n := keep.Number + 1; n <= to; n++ {
		blk, err := bs.GetBlockByNumber(n)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := batch.Delete(blockKey(blk.Hash)); err != nil {
			return err
		}
		if err := batch.Delete(numberKey(n)); err != nil {
			return err
		}
	}
	if err := putTip(batch, keep); err != nil {
		return err
	}
	if err := batch.Delete(keyRevertPoint); err != nil {
		return err
	}
	return batch.Commit()
}

// PutRevertPoint marks a revert to number as in progress. If the process
// dies before Truncate commits, the marker lets Open finish the job.
func (bs *BlockStore) PutRevertPoint(number uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], number)
	return bs.db.Put(keyRevertPoint, buf[:])
}

// GetRevertPoint returns the pending revert target, if any.
func (bs *BlockStore) GetRevertPoint() (uint64, bool) {
	data, err := bs.db.Get(keyRevertPoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func numberKey(number uint64) []byte {
	key := make([]byte, len(prefixNumber)+8)
	copy(key, prefixNumber)
	binary.BigEndian.PutUint64(key[len(prefixNumber):], number)
	return key
}
