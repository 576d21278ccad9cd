package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/remote"
	"github.com/jmcleod/ironpass/remote/httpremote"
	"github.com/jmcleod/ironpass/remote/memory"
)

var (
	tlsCert string
	tlsKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory sync authority over HTTP",
	Long: `Runs a development sync authority. State lives in memory and is lost on
exit. Clients authenticate with tokens from "ironpass token".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.AuthSecret == "" {
			return fmt.Errorf("IRONPASS_AUTH_SECRET is required")
		}

		auth := memory.NewAuthority(memory.WithLogger(logger), memory.WithPageSize(cfg.PageSize))
		sessions := func(userID string) remote.API { return auth.Session(userID) }
		srv := httpremote.NewServer(sessions, []byte(cfg.AuthSecret),
			httpremote.WithServerLogger(logger), httpremote.WithMountPath("/api/v1"))
		sweepCtx, stopSweep := context.WithCancel(cmd.Context())
		defer stopSweep()
		go srv.SweepLockouts(sweepCtx, 10*time.Minute)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/api/v1", srv.Router())

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("authority listening", zap.String("addr", cfg.ListenAddr), zap.Bool("tls", tlsCert != ""))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
