package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"licensesvc/internal/app"
	"licensesvc/internal/config"
	"licensesvc/internal/infrastructure"
	"licensesvc/internal/license"
	"licensesvc/internal/services"
	"licensesvc/pkg/contracts"
	api "licensesvc/pkg/contracts/api/v1"
)

const operatorTimeout = 30 * time.Second

var errLicenseInvalid = errors.New("license is not valid")

type rootOptions struct {
	configPath string
	storePath  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "License key issuance and validation service",
		Version:       contracts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config file (default: $LICENSED_CONFIG or ./config.yaml)")
	flags.StringVar(&opts.storePath, "store", "", "sqlite database path (overrides store settings)")

	cmd.AddCommand(
		newServeCommand(opts),
		newIssueCommand(opts),
		newValidateCommand(opts),
		newRenewCommand(opts),
		newRevokeCommand(opts),
		newTierCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.storePath != "" {
		cfg.Store.Driver = config.StoreDriverSQLite
		cfg.Store.Path = o.storePath
	}
	return cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := infrastructure.InitializeLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer infrastructure.CloseLogFile()

			application, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			return application.Run()
		},
	}
}

// withService opens the configured store, runs fn against a license service
// and closes the store. Events go to the log only.
func (o *rootOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, svc services.LicenseService) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	logCfg := cfg.Logging
	logCfg.Output = "console"
	logger, _, err := infrastructure.NewLogger(logCfg, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cfg.Store.Driver == config.StoreDriverMemory {
		logger.Warn("memory store selected; changes are discarded when the command exits")
	}

	store, err := app.OpenStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	controller := license.NewController(store,
		license.WithPolicy(app.PolicyFrom(cfg.License)),
		license.WithNotifier(license.LogNotifier{Logger: logger}),
		license.WithLogger(logger),
	)

	ctx, cancel := context.WithTimeout(infrastructure.EnsureTraceID(cmd.Context()), operatorTimeout)
	defer cancel()
	return fn(ctx, services.NewLicenseService(controller, logger))
}

func newIssueCommand(opts *rootOptions) *cobra.Command {
	var req api.IssueLicenseRequest
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new license",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc services.LicenseService) error {
				resp, err := svc.Issue(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&req.UserID, "user", "", "user the license is issued to (required)")
	cmd.Flags().StringVar(&req.Level, "level", "", "subscription level (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var req api.ValidateLicenseRequest
	cmd := &cobra.Command{
		Use:   "validate KEY",
		Short: "Validate a license key, binding the device on first use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc services.LicenseService) error {
				verdict, err := svc.Validate(ctx, args[0], req)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), verdict); err != nil {
					return err
				}
				if !verdict.Valid {
					return fmt.Errorf("%w: %s", errLicenseInvalid, verdict.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.DeviceID, "device", "", "device identifier")
	return cmd
}

func newRenewCommand(opts *rootOptions) *cobra.Command {
	var req api.RenewLicenseRequest
	cmd := &cobra.Command{
		Use:   "renew KEY",
		Short: "Extend a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc services.LicenseService) error {
				resp, err := svc.Renew(ctx, args[0], req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&req.Extension, "extension", "", "extension as a duration, e.g. 720h")
	cmd.Flags().IntVar(&req.ExtensionDays, "days", 0, "extension in days")
	cmd.MarkFlagsOneRequired("extension", "days")
	cmd.MarkFlagsMutuallyExclusive("extension", "days")
	return cmd
}

func newRevokeCommand(opts *rootOptions) *cobra.Command {
	var req api.RevokeLicenseRequest
	cmd := &cobra.Command{
		Use:   "revoke KEY",
		Short: "Revoke a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc services.LicenseService) error {
				resp, err := svc.Revoke(ctx, args[0], req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "revocation reason")
	return cmd
}

func newTierCommand(opts *rootOptions) *cobra.Command {
	var req api.ChangeTierRequest
	cmd := &cobra.Command{
		Use:   "tier KEY",
		Short: "Change the subscription level of a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc services.LicenseService) error {
				resp, err := svc.ChangeTier(ctx, args[0], req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&req.Level, "level", "", "new subscription level (required)")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), contracts.GetFullVersionString())
			return err
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
