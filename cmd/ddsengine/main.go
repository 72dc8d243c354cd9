package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/ddsengine/internal/config"
	"github.com/piwi3910/ddsengine/internal/server"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath string
		dataDir    string
		listenAddr string
		listenPort int
		adminPort  int
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:     "ddsengine",
		Short:   "DPU-side engine for disaggregated direct storage",
		Long:    "ddsengine serves host file I/O against DPU-attached storage over\nRDMA ring buffers with kernel-bypass latencies.",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			cfg, err := config.Load(configPath, config.Options{
				DataDir:    dataDir,
				ListenAddr: listenAddr,
				ListenPort: listenPort,
				AdminPort:  adminPort,
			})
			if err != nil {
				return err
			}

			if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && !debug {
				zerolog.SetGlobalLevel(level)
			}

			log.Info().
				Str("version", version).
				Str("listen", cfg.Endpoint()).
				Msg("starting ddsengine")

			srv, err := server.New(cfg, verbs.NewSimulated())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.Flags().StringVar(&dataDir, "data", "", "Data directory path")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address")
	rootCmd.Flags().IntVar(&listenPort, "port", 0, "Listen port")
	rootCmd.Flags().IntVar(&adminPort, "admin-port", 0, "Admin/metrics port")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
