package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingsync/config"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// expandPaths resolves ~ in the user-supplied paths of cfg.
func expandPaths(cfg *config.Config) {
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.Log.File != "" {
		cfg.Log.File = expandHome(cfg.Log.File)
	}
}
