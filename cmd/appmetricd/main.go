package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/appmetric/internal/config"
	"github.com/wudi/appmetric/internal/logging"
	"github.com/wudi/appmetric/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults and APPMETRIC_* env when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("appmetricd %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.NewLoader().Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	} else if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid default configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(cfg.Logging.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting appmetricd",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("address", cfg.Server.Address),
		zap.String("admin_address", cfg.Server.AdminAddress),
	)

	srv, err := server.New(cfg, *configPath)
	if err != nil {
		logging.Error("Failed to install metric probe", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
