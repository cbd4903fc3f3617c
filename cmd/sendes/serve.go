package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robproject/lre-sendes/pkg/acquisition"
	"github.com/robproject/lre-sendes/pkg/api"
	"github.com/robproject/lre-sendes/pkg/pathing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and live run progress",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := api.NewHub(a.logger)
	ctrl := a.controller(acquisition.MultiProgress{acquisition.LogProgress{Logger: a.logger}, hub})
	srv, err := api.NewServer(a.store, ctrl, hub, pathing.GetPlotDir(a.cfg.Paths.DataDir), a.logger)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(a.cfg.ListenAddr()) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
