// Command enginectl loads an engine configuration file, starts the
// playback/sync engine, and runs until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"

	"github.com/driftline/engine/engine"
	"github.com/driftline/engine/engine/audio"
	"github.com/driftline/engine/engine/config"
)

const defaultConfigPath = "enginectl.yaml"

func main() {
	logger := log.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	backend := audio.NewPortAudioBackend()

	eng, err := engine.New(cfg, demoToneFactory{sampleRate: cfg.SampleRate, channels: cfg.Channels}, backend, logger)
	if err != nil {
		logger.Error("engine construction failed", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	if cfg.Role == "client" {
		go eng.ServeRemoteCommands(ctx)
	}

	logger.Info("enginectl running", "config", configPath, "role", cfg.Role)

	<-ctx.Done()

	logger.Info("shutting down...")
	if err := eng.Stop(); err != nil {
		logger.Error("engine stop failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
