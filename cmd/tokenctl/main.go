// Command tokenctl is the operator CLI for the purchase token store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/app"
	"github.com/imrishuroy/go-purchase-tokens/internal/config"
	"github.com/imrishuroy/go-purchase-tokens/internal/logger"
	"github.com/imrishuroy/go-purchase-tokens/internal/postgres"
)

var errNotPostgres = errors.New("migrate only applies to STORE_BACKEND=postgres")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	envFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "tokenctl",
		Short:        "Inspect and maintain purchase tokens",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the environment")

	cmd.AddCommand(
		newMigrateCommand(opts),
		newSweepCommand(opts),
		newGetCommand(opts),
		newListCommand(opts),
	)
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			if cfg.StoreBackend != config.BackendPostgres {
				return errNotPostgres
			}
			db, err := postgres.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.Migrate(db.DB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending purchase tokens once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				res, err := a.Sweeper().Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <purchase-token>",
		Short: "Show the record for a raw purchase token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				rec, err := a.Engine.Lookup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's purchase tokens and entitlement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				ent, err := a.Engine.Entitlement(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ent)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func withApp(ctx context.Context, opts *rootOptions, fn func(*app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer zl.Sync()

	a, err := app.New(ctx, cfg, zl)
	if err != nil {
		zl.Error("failed to init dependencies", zap.Error(err))
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
