package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mnemos/internal/logger"
	"mnemos/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the memory engine HTTP server",
		Long: `Start the HTTP server exposing ingestion, search, clusters,
knowledge-graph, and trajectory endpoints.

Examples:
  mnemos serve
  mnemos serve --port 9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, host)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (default from config: 8080)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP server host (default from config: 0.0.0.0)")
	return cmd
}

func runServe(port int, host string) error {
	eng, err := bootstrap()
	if err != nil {
		return err
	}
	defer eng.close()

	serverCfg := eng.config.Server
	if port != 0 {
		serverCfg.Port = port
	}
	if host != "" {
		serverCfg.Host = host
	}

	srv := server.New(eng.coordinator, eng.store, serverCfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	log := logger.Get()
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
