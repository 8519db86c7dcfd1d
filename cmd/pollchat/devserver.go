package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/pollchat/internal/fakeserver"
)

var (
	devAddr   string
	devSecret string
	devSeed   []string
)

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", ":8000", "Listen address")
	devserverCmd.Flags().StringVar(&devSecret, "secret", "letmein", "Registration secret code")
	devserverCmd.Flags().StringSliceVar(&devSeed, "seed", nil, "Accounts to create, as user:password (repeatable)")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory chat service for local testing",
	Long:  "Run an in-memory chat service serving the REST API and change feed under /api. State is lost on exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := flagLogLevel
		if level == "" {
			level = "info"
		}
		logger := newLogger(os.Stderr, level, true)

		srv := fakeserver.New(
			fakeserver.WithSecret(devSecret),
			fakeserver.WithLogger(logger),
		)
		for _, entry := range devSeed {
			name, password, ok := strings.Cut(entry, ":")
			if !ok || name == "" || password == "" {
				return errors.Errorf("invalid --seed %q, want user:password", entry)
			}
			id, err := srv.CreateUser(name, password)
			if err != nil {
				return errors.Wrapf(err, "seed %s", name)
			}
			logger.Info().Int64("id", id).Str("username", name).Msg("seeded user")
		}

		httpSrv := &http.Server{
			Addr:              devAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", devAddr).Msg("devserver listening")
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	},
}
