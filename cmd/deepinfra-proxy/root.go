package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dvcrn/deepinfra-proxy/internal/app"
	"github.com/dvcrn/deepinfra-proxy/internal/config"
	"github.com/dvcrn/deepinfra-proxy/internal/logger"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

type rootFlags struct {
	configFile string
	envFile    string
	port       int
	mode       string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:           "deepinfra-proxy",
		Short:         "OpenAI-compatible proxy for DeepInfra chat completions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "path to a YAML config file (default $CONFIG_FILE)")
	cmd.Flags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before resolving config, if present")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "override the listen port")
	cmd.Flags().StringVarP(&flags.mode, "mode", "m", "", "override the performance mode (fast, balanced, secure)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// overrideEnv layers flag values over the process environment.
func overrideEnv(flags rootFlags) func(string) string {
	overrides := map[string]string{}
	if flags.port != 0 {
		overrides["PORT"] = strconv.Itoa(flags.port)
	}
	if flags.mode != "" {
		overrides["PERFORMANCE_MODE"] = flags.mode
	}
	return func(name string) string {
		if v, ok := overrides[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
}

func serve(ctx context.Context, flags rootFlags) error {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", flags.envFile, err)
		}
	}

	log := logger.New()

	configFile := flags.configFile
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	cfg, err := config.Load(configFile, overrideEnv(flags))
	if err != nil {
		return err
	}

	proxy, err := app.New(cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer proxy.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("🚀 Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	return shutdown(srv, log)
}

func shutdown(srv *http.Server, log zerolog.Logger) error {
	log.Info().Dur("timeout", shutdownTimeout).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed, closing connections")
		_ = srv.Close()
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
