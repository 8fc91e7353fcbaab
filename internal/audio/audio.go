// Package audio resolves logical audio keys to pre-recorded clips on disk.
package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrMissingAudioAsset means a referenced clip is not on disk. Callers treat
// it as non-fatal.
var ErrMissingAudioAsset = errors.New("missing audio asset")

// Library maps logical keys to clip locations. Locations are checked on
// every lookup and never assumed valid.
type Library struct {
	root   string
	assets map[string]string
}

// NewLibrary creates a library. Relative locations are resolved against root.
func NewLibrary(root string, assets map[string]string) *Library {
	copied := make(map[string]string, len(assets))
	for key, location := range assets {
		copied[key] = location
	}
	return &Library{root: root, assets: copied}
}

// Keys returns the configured logical keys in sorted order
func (l *Library) Keys() []string {
	keys := make([]string, 0, len(l.assets))
	for key := range l.assets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Resolve returns the on-disk path for key. Unknown keys are treated as
// file names relative to the library root.
func (l *Library) Resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty reference", ErrMissingAudioAsset)
	}

	location, ok := l.assets[key]
	if !ok {
		location = key
	}
	if !filepath.IsAbs(location) && l.root != "" {
		location = filepath.Join(l.root, location)
	}

	info, err := os.Stat(location)
	if err != nil {
		return "", fmt.Errorf("%w: %s (%s)", ErrMissingAudioAsset, key, location)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrMissingAudioAsset, location)
	}
	return location, nil
}
