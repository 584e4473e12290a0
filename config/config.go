// Package config loads and saves the bootstrap configuration a collaborator
// uses to construct a storage.Storage: the root directory and the LRU
// cache's capacity.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// ErrRootEmpty is returned when a config resolves to an empty root directory.
var ErrRootEmpty = errors.New("config: root directory must not be empty")

// Config is the collaborator-facing bootstrap configuration.
type Config struct {
	Root          string `json:"root"`
	CacheCapacity int    `json:"cache_capacity,omitempty"`
}

// DefaultCacheCapacity is used when a loaded config omits cache_capacity.
const DefaultCacheCapacity = 10000

// Default returns the zero-root default configuration; Root must be filled
// in by the caller (CLI flag, env var, or a file) before use.
func Default() Config {
	return Config{CacheCapacity: DefaultCacheCapacity}
}

// Load reads a JSONC config file at path, applying its values over the
// defaults. Overrides from the caller (e.g. parsed CLI flags), if any
// field is non-zero, win over both. A missing file is not an error; it
// simply yields the defaults plus overrides.
func Load(path string, overrides Config) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	} else {
		fileCfg, err := parse(data)
		if err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		cfg = merge(cfg, fileCfg)
	}

	cfg = merge(cfg, overrides)

	if cfg.Root == "" {
		return Config{}, ErrRootEmpty
	}
	return cfg, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Root != "" {
		base.Root = overlay.Root
	}
	if overlay.CacheCapacity != 0 {
		base.CacheCapacity = overlay.CacheCapacity
	}
	return base
}

// Save writes cfg to path as JSON, atomically (temp file + rename) so a
// concurrent reader never observes a half-written file.
func Save(path string, cfg Config) error {
	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
