package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and then in each parent directory, returning the first match.
// It returns "" when no directory up to the root contains name, or when a directory cannot be inspected.
func FindUp(name, dir string) string {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(curDir, name)
		_, err := os.Lstat(candidate)
		if err == nil {
			return candidate
		}
		if !os.IsNotExist(err) {
			return ""
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
