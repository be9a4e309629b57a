package chunkcache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/atomicfile"

	"github.com/Klingon-tech/klingsync/internal/log"
	"github.com/Klingon-tech/klingsync/pkg/block"
)

// FileCache keeps one JSON file per chunk in a directory.
type FileCache struct {
	dir string
}

// NewFileCache creates dir if needed and returns a cache rooted there.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *FileCache) Dir() string { return c.dir }

func (c *FileCache) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(c.dir, key), nil
}

// Exists reports whether a chunk is stored under key.
func (c *FileCache) Exists(key string) (bool, error) {
	p, err := c.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// ReadChunk loads the chunk stored under key.
func (c *FileCache) ReadChunk(key string) ([]*block.Block, error) {
	p, err := c.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// WriteChunk stores blocks under key. The file is replaced atomically, so a
// crash never leaves a partial chunk behind.
func (c *FileCache) WriteChunk(key string, blocks []*block.Block) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	data, err := encode(blocks)
	if err != nil {
		return err
	}
	if _, err := atomicfile.WriteAll(p, bytes.NewReader(data), 0o644); err != nil {
		return fmt.Errorf("write chunk %s: %w", key, err)
	}
	return nil
}

// Remove deletes the chunk stored under key. Removing a missing chunk is
// not an error.
func (c *FileCache) Remove(key string) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes every cached chunk and returns how many were removed.
func (c *FileCache) Clear() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "chunk_") {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	log.Cache.Debug().Str("dir", c.dir).Int("removed", removed).Msg("Chunk cache cleared")
	return removed, nil
}
