package loader

import (
	"os"
	"path/filepath"
)

// ResolveProjectRoot walks up from start looking for a directory that
// contains .tollgate. It returns the containing directory.
func ResolveProjectRoot(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}

	for {
		info, err := os.Stat(filepath.Join(dir, ProjectDirName))
		if err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
