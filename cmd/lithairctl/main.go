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

// lithairctl is a small operator CLI/REPL against a running engine
// directory: get/put/del/flush/snapshot/stats/resync-status, built the
// way memcp's own `scm.Repl` drives its Scheme REPL, minus the
// language. Values are treated as opaque UTF-8 strings; a real
// embedder supplies its own engine.Codec for a richer value type.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dc0d/onexit"

	"github.com/launix-de/lithair/config"
	"github.com/launix-de/lithair/engine"
	"github.com/launix-de/lithair/persistence"
	"github.com/launix-de/lithair/replication"
)

var stringCodec = engine.Codec[string]{
	Encode: func(s string) ([]byte, error) { return []byte(s), nil },
	Decode: func(b []byte) (string, error) { return string(b), nil },
}

func main() {
	fmt.Print(`lithairctl Copyright (C) 2026  Lithair Contributors
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)

	var (
		dataDir          = flag.String("data-dir", "", "engine data directory (required unless --config is given)")
		configPath       = flag.String("config", "", "path to a YAML config file (see config.Load); overrides other flags when given")
		durability       = flag.String("durability", "max_durability", `"performance" or "max_durability"`)
		batchSize        = flag.Int("batch-size", 1000, "writer flush threshold")
		snapshotInterval = flag.Uint64("snapshot-interval", 0, "envelopes between auto-snapshots; 0 disables")
		maxLineBytes     = flag.Int("max-line-bytes", 1<<20, "max bytes for one envelope line")
		maxQueueDepth    = flag.Int("max-queue-depth", 0, "0 = unbounded writer queue")
		verbose          = flag.BoolP("verbose", "v", false, "enable debug-level logging")
	)
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lithairctl: cannot build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	var cfg *config.Config
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatal("loading config", zap.Error(err))
		}
	} else {
		if *dataDir == "" {
			fmt.Fprintln(os.Stderr, "lithairctl: --data-dir or --config is required")
			flag.Usage()
			os.Exit(2)
		}
		cfg = &config.Config{
			DataDir:                  *dataDir,
			DurabilityMode:           *durability,
			BatchSize:                *batchSize,
			SnapshotInterval:         *snapshotInterval,
			MaxLineBytes:             *maxLineBytes,
			MaxQueueDepth:            *maxQueueDepth,
			IdempotenceCacheCapacity: 10000,
			MaxResyncGap:             1000,
			MaxConcurrentResyncs:     2,
			ResyncCooldownSecs:       10,
		}
	}

	persist, err := persistence.NewFileBackend(cfg.DataDir, cfg.MaxLineBytes)
	if err != nil {
		logger.Fatal("opening data directory", zap.Error(err))
	}

	engCfg := cfg.EngineConfig()
	engCfg.Logger = logger
	eng, err := engine.Load(persist, stringCodec, engCfg)
	if err != nil {
		logger.Fatal("loading engine", zap.Error(err))
	}

	// Shutdown is explicit: register a final flush and writer shutdown
	// so SIGINT/SIGTERM never drop queued-but-unacked writes, mirroring
	// memcp's own storage.InitSettings onexit hook that flushes its
	// trace file before the process exits.
	onexit.Register(func() {
		if err := eng.Flush(); err != nil {
			logger.Warn("final flush before exit failed", zap.Error(err))
		}
		if err := eng.Close(); err != nil {
			logger.Warn("engine close failed", zap.Error(err))
		}
	})

	coord := replication.NewResyncCoordinator(cfg.ResyncCoordinatorConfig())

	stopWatch, err := watchDataDir(cfg.DataDir, logger)
	if err != nil {
		logger.Warn("snapshot directory watch disabled", zap.Error(err))
	} else {
		defer stopWatch()
	}

	runRepl(eng, coord, logger)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}
