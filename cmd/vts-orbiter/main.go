package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/orokro/vts-orbiter/internal/assets"
	"github.com/orokro/vts-orbiter/internal/config"
	"github.com/orokro/vts-orbiter/internal/credentials"
	"github.com/orokro/vts-orbiter/internal/observability"
	"github.com/orokro/vts-orbiter/internal/session"
	"github.com/orokro/vts-orbiter/internal/tty"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.yaml if present)")
	hostURL := flag.String("url", "", "Override the host websocket URL")
	itemFile := flag.String("item", "", "Override the item file name")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := observability.InitLogger("vts-orbiter", *debug)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadOrDefault("config.yaml")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("loading config")
	}
	if *hostURL != "" {
		cfg.Host.URL = *hostURL
	}
	if *itemFile != "" {
		cfg.Item.File = *itemFile
	}

	provisioner := assets.NewProvisioner(cfg.Item, logger)
	if err := provisioner.Provision(); err != nil {
		logger.Fatal().Err(err).Msg("provisioning item file")
	}

	creds := credentials.NewStore(cfg.Plugin.TokenFile)
	client := session.New(cfg, creds, logger)

	quitCh := make(chan struct{}, 1)
	restore, err := tty.WatchQuit(func() {
		select {
		case quitCh <- struct{}{}:
		default:
		}
	})
	if err != nil {
		logger.Warn().Err(err).Msg("keyboard watch unavailable, use Ctrl-C to quit")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	client.Start()
	logger.Info().Str("url", cfg.Host.URL).Msg("running, press q to quit")

	select {
	case <-sigCh:
		logger.Info().Msg("signal received, shutting down")
	case <-quitCh:
		logger.Info().Msg("quit key pressed, shutting down")
	}

	client.Shutdown()
	provisioner.Cleanup()
	restore()
	os.Exit(0)
}
