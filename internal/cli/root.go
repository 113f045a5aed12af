// Package cli implements opsctl, the operator command line for the
// evaluation service.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/core"
	"bid-evaluation-service/internal/telemetry"
)

// OpenFunc builds the core a command operates on.
type OpenFunc func(ctx context.Context, cfg config.Config) (*core.Core, error)

// App carries what every command needs.
type App struct {
	Config config.Config
	Open   OpenFunc
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Tenant  string
}

func defaultOpen(ctx context.Context, cfg config.Config) (*core.Core, error) {
	return core.New(ctx, cfg, core.Deps{})
}

// NewRootCommand creates the opsctl root command.
func NewRootCommand(app *App) *cobra.Command {
	if app.Open == nil {
		app.Open = defaultOpen
	}
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operate the bid evaluation service",
		Long:          "Operator tooling for audit verification, outbox relay, queue draining and release readiness.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := app.Config.LogLevel
			if opts.Verbose {
				level = "debug"
			}
			slog.SetDefault(telemetry.NewLogger(cmd.ErrOrStderr(), level))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.Tenant, "tenant", "t", "tenant_default", "tenant to operate on")

	cmd.AddCommand(newAuditCommand(app, opts))
	cmd.AddCommand(newOutboxCommand(app, opts))
	cmd.AddCommand(newDrainCommand(app))
	cmd.AddCommand(newReleaseCommand(app, opts))
	cmd.AddCommand(newTokenCommand(app, opts))

	return cmd
}

// withCore opens the core for the duration of fn.
func withCore(cmd *cobra.Command, app *App, fn func(ctx context.Context, c *core.Core) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := app.Open(ctx, app.Config)
	if err != nil {
		return fmt.Errorf("open core: %w", err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
