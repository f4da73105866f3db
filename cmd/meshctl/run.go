package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/peermesh/internal/config"
	"github.com/danmuck/peermesh/internal/logging"
	"github.com/danmuck/peermesh/internal/mesh"
	"github.com/danmuck/peermesh/internal/snapshot"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a mesh node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logging.SetFormat(cfg.LogFormat)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
}

func runNode(ctx context.Context, cfg config.NodeConfig) error {
	n, err := startNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	handler, err := serveHandlers(n.mesh, cfg.Services, n.log)
	if err != nil {
		return err
	}
	n.mesh.OnRequest(handler)
	n.mesh.OnStream(func(s mesh.ReceivedStream) {
		n.log.Info().Str("stream", s.StreamID).Str("from", s.From).Int("bytes", len(s.Data)).Msg("stream received")
	})
	for _, svc := range cfg.Services {
		if err := n.mesh.Advertise(ctx, svc.ID, svc.Name); err != nil {
			return err
		}
	}
	n.log.Info().
		Str("peer_id", n.mesh.LocalID()).
		Strs("listen", n.transport.ListenAddrs()).
		Int("services", len(cfg.Services)).
		Msg("node running")

	var wg sync.WaitGroup
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = newStatusServer(cfg.MetricsAddr, cfg.StatusToken, n.mesh)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("status server failed")
			}
		}()
	}
	if cfg.StateFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot.Run(ctx, cfg.StateFile, cfg.StateInterval, n.mesh, nil, logging.New("snapshot"))
		}()
	}

	<-ctx.Done()
	n.log.Info().Msg("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()
	return nil
}
