package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"kryptonite/api"
	"kryptonite/config"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the encryption API configured by KRYPTONITE_* variables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	s, err := config.Load()
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	logger := s.NewLogger()

	engine, err := config.NewEngine(ctx, s, logger)
	if err != nil {
		return err
	}
	defer engine.KeyVault().Close()

	handler, err := config.NewRecordHandler(engine, s, logger)
	if err != nil {
		return err
	}

	opts := []api.Option{api.WithLogger(logger)}
	if s.APIToken != "" {
		opts = append(opts, api.WithAuthenticator(api.BearerToken(s.APIToken)))
	}
	srv := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           api.NewServer(handler, engine, engine.KeyVault(), opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", s.ListenAddr, "keys", engine.KeyVault().Len())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
