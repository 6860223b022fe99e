package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/outlet-sync/outlet/cmd/common"
	"github.com/outlet-sync/outlet/internal/backend"
	"github.com/outlet-sync/outlet/internal/gdrive"
)

func usage() {
	fmt.Printf(`outletd - two-pane file synchronization daemon

Compares subtrees across local disks and Google Drive accounts, computes the
operations required to make them consistent, and executes those operations
with dependency ordering, persistence, and crash recovery.

Usage: outletd [options]

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	configPath := flag.StringP("config-file", "f", common.DefaultConfigPath(),
		"A YAML-formatted configuration file used by outletd.")
	logLevel := flag.StringP("log", "l", "",
		"Set logging level. "+
			"Can be one of: fatal, error, warn, info, debug, trace.")
	cacheDir := flag.StringP("cache-dir", "c", "",
		"Change the default cache directory used to store the node caches and the op ledger.")
	cancelPending := flag.Bool("cancel-pending-ops", false,
		"Cancel (rather than resume) any pending ops left over from the last run.")
	noGDrive := flag.Bool("no-gdrive", false,
		"Run without a Google Drive connection; Drive ops will fail until restarted with one.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("outletd", common.Version())
		os.Exit(0)
	}

	config := common.LoadConfig(*configPath)
	if *cacheDir != "" {
		config.CacheDir = *cacheDir
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if *cancelPending {
		config.ResumePendingOps = false
	}
	zerolog.SetGlobalLevel(common.StringToLevel(config.LogLevel))
	log.Info().Msgf("outletd %s", common.Version())

	var driveClient *gdrive.Client
	if !*noGDrive && config.AuthConfig.ClientSecretPath != "" {
		svc, err := gdrive.NewService(context.Background(), config.AuthConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not authenticate against Google Drive.")
		}
		driveClient = gdrive.NewClient(svc, config.GDrivePageSize)
	} else {
		log.Warn().Msg("No Google Drive auth configured; running with local devices only.")
	}

	be, err := backend.New(backend.Options{
		CacheDir:         config.CacheDir,
		StagingDir:       config.StagingDir,
		UseTrash:         config.UseTrash,
		ResumePendingOps: config.ResumePendingOps,
		PauseOnStart:     config.PauseOnStart,
		GDrive:           driveClient,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not initialize backend.")
	}
	if err := be.Start(); err != nil {
		log.Fatal().Err(err).Msg("Could not start backend.")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Signal received, shutting down.")
	be.Shutdown()
}
