// Command wsflow runs a websocket event server hosting the built-in rooms
// service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/wsflow"
	_ "github.com/drblury/wsflow/transport/transports"
)

type options struct {
	configPath   string
	envFiles     []string
	trustHeaders bool
	requireUser  bool
	logLevel     string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "wsflow",
		Short:        "Real-time event delivery over websockets and socket.io",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load before applying WSFLOW_* overrides")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	serve.Flags().BoolVar(&opts.trustHeaders, "trust-headers", false, "read tenant, user and roles from gateway headers")
	serve.Flags().BoolVar(&opts.requireUser, "require-user", false, "reject connections without a user header (with --trust-headers)")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print it with credentials redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), conf.String())
			return err
		},
	}

	root.AddCommand(serve, check)
	return root
}

func loadConfig(opts *options) (*wsflow.Config, error) {
	conf, err := wsflow.LoadConfig(opts.configPath, opts.envFiles...)
	if err != nil {
		return nil, err
	}
	if err := wsflow.ValidateConfig(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func newLogger(level string) (wsflow.ServiceLogger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return wsflow.NewSlogServiceLogger(slog.New(handler)), nil
}

func runServe(ctx context.Context, opts *options) error {
	conf, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}

	deps := wsflow.ServiceDependencies{
		Hooks: wsflow.LoggingHooks(logger),
	}
	if opts.trustHeaders {
		deps.Authenticator = wsflow.HeaderAuthenticator(opts.requireUser)
	}

	svc, err := wsflow.TryNewService(conf, logger, deps)
	if err != nil {
		return err
	}
	if err := svc.RegisterService(roomsService()); err != nil {
		return err
	}
	return svc.Start(ctx)
}
