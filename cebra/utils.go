package cebra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// ConvertToAbsolute returns an absolute path, interpreting a relative path with respect
// to the given directory.  URLs with a scheme are returned unchanged.
func ConvertToAbsolute(path, dir string) (string, error) {
	if path == "" || filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path, nil
	}
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("can't determine working directory: %v", err)
		}
	}
	return filepath.Abs(filepath.Join(dir, path))
}
