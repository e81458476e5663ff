// Package config loads gojotable settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotable/core/indexing/btree"
	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
	"github.com/sushant-115/gojotable/core/transaction"
	"github.com/sushant-115/gojotable/pkg/logger"
	"github.com/sushant-115/gojotable/pkg/telemetry"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// StorageConfig sizes the tablespace and its caches.
type StorageConfig struct {
	// PageSize applies only when a tablespace is created; an existing file
	// keeps the size recorded in its header.
	PageSize         int `yaml:"page_size"`
	CacheFrames      int `yaml:"cache_frames"`
	MaxLeafCells     int `yaml:"max_leaf_cells"`
	MaxInternalCells int `yaml:"max_internal_cells"`
}

// Config is the root of the YAML document.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			PageSize:    tablespace.DefaultPageSize,
			CacheFrames: 64,
		},
		Logger:    logger.DefaultConfig(),
		Telemetry: telemetry.Config{ServiceName: "gojotable"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges that would otherwise fail deep inside the engine.
func (c Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("%w: telemetry.trace_sample_ratio %v outside [0, 1]", ErrInvalidConfig, r)
	}
	return nil
}

// Validate checks the storage settings against the row-version cell layout,
// so a page size or capacity the tree cannot use is rejected before any file
// is created.
func (s StorageConfig) Validate() error {
	ps := s.PageSize
	if ps < tablespace.MinPageSize || ps > tablespace.MaxPageSize {
		return fmt.Errorf("%w: storage.page_size %d outside [%d, %d]",
			ErrInvalidConfig, ps, tablespace.MinPageSize, tablespace.MaxPageSize)
	}
	if s.CacheFrames < 0 {
		return fmt.Errorf("%w: storage.cache_frames %d is negative", ErrInvalidConfig, s.CacheFrames)
	}
	if s.MaxLeafCells == 1 || s.MaxLeafCells < 0 {
		return fmt.Errorf("%w: storage.max_leaf_cells %d must be 0 or at least 2", ErrInvalidConfig, s.MaxLeafCells)
	}
	if s.MaxInternalCells == 1 || s.MaxInternalCells < 0 {
		return fmt.Errorf("%w: storage.max_internal_cells %d must be 0 or at least 2", ErrInvalidConfig, s.MaxInternalCells)
	}
	geometry := btree.Config{
		KeySize:          transaction.VersionKeySize,
		ValueSize:        transaction.VersionValueSize,
		MaxLeafCells:     s.MaxLeafCells,
		MaxInternalCells: s.MaxInternalCells,
	}
	if _, _, err := geometry.Capacities(ps); err != nil {
		return fmt.Errorf("%w: storage with page_size %d: %w", ErrInvalidConfig, ps, err)
	}
	return nil
}
