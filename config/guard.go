package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/c360/termstream/errors"
)

// Layer limits. A site override file is a few kilobytes; anything far past
// these bounds is a mistake or an attack on the loader.
const (
	maxLayerBytes = 1 << 20
	maxLayerDepth = 32
	maxEnvValue   = 4096
)

var layerExtensions = []string{".json", ".yaml", ".yml"}

// readLayer reads a config layer after extension, type and size checks
func readLayer(path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !slices.Contains(layerExtensions, ext) {
		return nil, invalidLayer("readLayer", fmt.Sprintf("unsupported layer type %q: %s", ext, path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "readLayer", "stat "+path)
	}
	switch {
	case !info.Mode().IsRegular():
		return nil, invalidLayer("readLayer", "not a regular file: "+path)
	case info.Size() > maxLayerBytes:
		return nil, invalidLayer("readLayer", fmt.Sprintf("%s is %d bytes, limit %d", path, info.Size(), maxLayerBytes))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "readLayer", "read "+path)
	}
	return data, nil
}

// checkDepth rejects decoded layers nested deeper than any real config
func checkDepth(v any, depth int) error {
	if depth > maxLayerDepth {
		return invalidLayer("checkDepth", fmt.Sprintf("nesting deeper than %d", maxLayerDepth))
	}
	switch node := v.(type) {
	case map[string]any:
		for _, child := range node {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range node {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkEnvValue bounds TERMSTREAM_* override values
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return invalidLayer("checkEnvValue", fmt.Sprintf("%s is %d bytes, limit %d", key, len(value), maxEnvValue))
	}
	if strings.ContainsRune(value, 0) {
		return invalidLayer("checkEnvValue", "null byte in "+key)
	}
	return nil
}

func invalidLayer(method, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, reason), "Loader", method, "check layer")
}

