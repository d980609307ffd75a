package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/jamfsync/internal/config"
	"github.com/fruitsalade/jamfsync/internal/jamf"
	"github.com/fruitsalade/jamfsync/internal/logging"
	"github.com/fruitsalade/jamfsync/internal/reconcile"
	"github.com/fruitsalade/jamfsync/internal/retry"
	"github.com/fruitsalade/jamfsync/internal/storage"
)

// globalFlags override the matching environment variables.
type globalFlags struct {
	logLevel  string
	logFormat string
	backend   string
	folder    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "jamfsync",
		Short: "Mirror the Jamf Pro package catalog.",
		Long: "jamfsync keeps a local folder or S3 bucket identical to the\n" +
			"package catalog of a Jamf Pro server. Settings come from the\n" +
			"environment (JAMF_API_ENDPOINT, JAMF_CLIENT_ID, ...); flags win.",
		SilenceUsage: true,

		// main prints the returned error.
		SilenceErrors: true,

		// A bare `jamfsync` behaves like `jamfsync run`.
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, flags, &runFlags{})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (json, console)")
	pf.StringVar(&flags.backend, "backend", "", "destination backend (local, s3)")
	pf.StringVar(&flags.folder, "folder", "", "destination folder for the local backend")

	root.AddCommand(
		newRunCmd(flags),
		newPlanCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the environment, applies flag overrides, validates the
// result and initializes logging.
func loadConfig(flags *globalFlags, override func(*config.Config)) (*config.Config, error) {
	cfg := config.FromEnv()
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	if flags.backend != "" {
		cfg.StorageBackend = flags.backend
	}
	if flags.folder != "" {
		cfg.LocalFolder = flags.folder
	}
	if override != nil {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}
	return cfg, nil
}

// newReconciler wires the Jamf client and the destination backend. The
// caller closes the returned backend.
func newReconciler(ctx context.Context, cfg *config.Config) (*reconcile.Reconciler, storage.Backend, error) {
	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("storage backend: %w", err)
	}

	client := jamf.New(jamf.Config{
		Endpoint:     cfg.APIEndpoint,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		PageSize:     cfg.PageSize,
		Timeout:      cfg.HTTPTimeout,
		RetryConfig:  retry.WithAttempts(cfg.RetryAttempts),
	})

	logging.Info("jamfsync configured",
		zap.String("endpoint", cfg.APIEndpoint),
		zap.String("backend", backend.Type()),
		zap.Int("page_size", cfg.PageSize))

	return reconcile.New(client, backend), backend, nil
}
