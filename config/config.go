/*
Copyright (C) 2026  Lithair Contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config reads the handful of options the engine's data
// directory, writer, snapshotting and replication coordinator consult:
// the only environment this system reads directly, per the engine's
// external interface contract.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/launix-de/lithair/engine"
	"github.com/launix-de/lithair/replication"
)

// Config is the on-disk YAML shape loaded by Load. Field names mirror
// the configuration options an engine data directory reads.
type Config struct {
	DataDir                  string `yaml:"data_dir"`
	DurabilityMode           string `yaml:"durability_mode"` // "performance" | "max_durability"
	BatchSize                int    `yaml:"batch_size"`
	SnapshotInterval         uint64 `yaml:"snapshot_interval"`
	MaxResyncGap             uint64 `yaml:"max_resync_gap"`
	MaxConcurrentResyncs     int    `yaml:"max_concurrent_resyncs"`
	ResyncCooldownSecs       int    `yaml:"resync_cooldown_secs"`
	IdempotenceCacheCapacity int    `yaml:"idempotence_cache_capacity"`
	MaxLineBytes             int    `yaml:"max_line_bytes"`
	MaxQueueDepth            int    `yaml:"max_queue_depth"`
	SegmentRotateBytes       int64  `yaml:"segment_rotate_bytes"`
}

func (c Config) withDefaults() Config {
	if c.DurabilityMode == "" {
		c.DurabilityMode = "max_durability"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.MaxResyncGap == 0 {
		c.MaxResyncGap = 1000
	}
	if c.MaxConcurrentResyncs == 0 {
		c.MaxConcurrentResyncs = 2
	}
	if c.ResyncCooldownSecs == 0 {
		c.ResyncCooldownSecs = 10
	}
	if c.IdempotenceCacheCapacity == 0 {
		c.IdempotenceCacheCapacity = 10000
	}
	return c
}

// Load reads a YAML config file and unmarshals it into a Config.
// Unknown keys are rejected to catch typos early.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	cfg = cfg.withDefaults()

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("%s: data_dir is required", path)
	}
	if cfg.DurabilityMode != "performance" && cfg.DurabilityMode != "max_durability" {
		return nil, fmt.Errorf("%s: durability_mode must be \"performance\" or \"max_durability\", got %q", path, cfg.DurabilityMode)
	}

	return &cfg, nil
}

// EngineConfig translates the loaded YAML shape into engine.Config,
// leaving Logger for the caller to set.
func (c Config) EngineConfig() engine.Config {
	durability := engine.DurabilityMaxDurability
	if c.DurabilityMode == "performance" {
		durability = engine.DurabilityPerformance
	}
	return engine.Config{
		BatchSize:                c.BatchSize,
		Durability:               durability,
		MaxQueueDepth:            c.MaxQueueDepth,
		SnapshotInterval:         c.SnapshotInterval,
		IdempotenceCacheCapacity: c.IdempotenceCacheCapacity,
		MaxLineBytes:             c.MaxLineBytes,
		SegmentRotateBytes:       c.SegmentRotateBytes,
	}
}

// ResyncCoordinatorConfig translates the resync-related YAML fields
// into replication.ResyncCoordinatorConfig.
func (c Config) ResyncCoordinatorConfig() replication.ResyncCoordinatorConfig {
	return replication.ResyncCoordinatorConfig{
		MaxResyncGap:         c.MaxResyncGap,
		MaxConcurrentResyncs: c.MaxConcurrentResyncs,
		ResyncCooldown:       time.Duration(c.ResyncCooldownSecs) * time.Second,
	}
}
