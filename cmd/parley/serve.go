package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/parley/internal/server"
)

func serveCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}

			a, err := openChat(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.registry, a.turns, server.Options{
				ListenAddr:        cfg.Server.ListenAddr,
				RequestsPerMinute: cfg.Server.RequestsPerMinute,
				Logger:            logger,
			})

			ctx, cancel := interruptContext()
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides config)")
	return cmd
}
