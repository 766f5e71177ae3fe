package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hivelink/hivelink/internal/config"
	"github.com/hivelink/hivelink/internal/daemon"
	"github.com/hivelink/hivelink/internal/workspace"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (default <data-dir>/config.toml)")
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides config)")
	listenFlag := flag.String("listen", "", "control API listen address (overrides config)")
	flag.Parse()

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir = workspace.DefaultDataDir()
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = workspace.ConfigPath(dataDir)
	}

	cfg, err := config.Load(configPath, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *dataDirFlag != "" {
		cfg.Bridge.DataDir = *dataDirFlag
	}
	if *listenFlag != "" {
		cfg.Server.Listen = *listenFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
