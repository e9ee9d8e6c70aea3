package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/composer"
	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/frontgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("frontgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	kinds := make([]string, 0, len(cfg.Apps))
	for _, app := range cfg.EnabledApps() {
		kinds = append(kinds, string(app.Kind))
	}
	logging.Info("Starting frontgate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Strings("apps", kinds),
		zap.Bool("payments", cfg.Payments.Enabled),
		zap.Int("host_records", len(cfg.Hosts.Records)),
	)

	server, err := composer.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
