// Package config loads and stores the installer's preferences.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ParseConfigPath validates an explicit --config-file argument and returns
// it as a cleaned absolute path. It returns an error if:
//   - The path is empty
//   - The file does not exist or is a directory
//   - The file does not have a .yaml or .yml extension
func ParseConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("config path cannot be empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving config path: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(abs))
	if ext != ".yaml" && ext != ".yml" {
		return "", errors.New("config file must have .yaml or .yml extension")
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("config file does not exist: %s", abs)
		}
		return "", err
	}
	if info.IsDir() {
		return "", errors.New("config path is a directory, not a file")
	}

	return abs, nil
}
