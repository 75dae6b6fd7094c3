package main

import (
	"context"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"

	"branchdb/internal/app"
	"branchdb/pkg/config"
	"branchdb/pkg/logger"
	"branchdb/pkg/shutdown"
	"branchdb/pkg/state"
)

// build metadata, set via ldflags during release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")

	flags := config.ParseConfigFlags()
	if !flags.Set["db"] {
		if root := state.ArtifactRoot(); root != "" {
			flags.DB = filepath.Join(root, "database")
		}
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		shutdown.Abort("failed to load config file", err, flags.DB)
	}

	envCfg, envRes := config.ParseConfigEnvs()

	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		shutdown.Abort("failed to build effective config", err, flags.DB)
	}

	logger.InitWithLevel(eff.Config.Logging.Level, eff.Config.Logging.Format)
	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "db_path", eff.DBPath)

	numCPU := runtime.NumCPU()
	logger.Info("system_logical_cores", "logical_cores", numCPU)

	// cap ingest workers at twice the logical cores
	pc := &eff.Config.Ingest.Processor
	if max := numCPU * 2; pc.Workers > max {
		logger.Warn("worker_count_capped", "requested", pc.Workers, "capped_to", max)
		pc.Workers = max
	}

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("failed to initialize app", err, eff.DBPath)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("app run failed", err, eff.DBPath)
	}
	logger.Info("exit_clean")
}
