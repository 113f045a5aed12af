package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bid-evaluation-service/internal/auth"
	"bid-evaluation-service/internal/core"
	"bid-evaluation-service/internal/outbox"
	"bid-evaluation-service/internal/release"
	"bid-evaluation-service/internal/worker"
)

func newAuditCommand(app *App, root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit chain"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute the tenant's audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, app, func(ctx context.Context, c *core.Core) error {
				v, err := c.Audit.Verify(ctx, root.Tenant)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), v); err != nil {
					return err
				}
				if !v.Valid {
					return fmt.Errorf("audit chain broken at %s: %s", v.AuditID, v.Reason)
				}
				return nil
			})
		},
	})
	return cmd
}

func newOutboxCommand(app *App, root *RootOptions) *cobra.Command {
	var (
		queueName string
		consumer  string
		limit     int
		all       bool
	)
	relay := &cobra.Command{
		Use:   "relay",
		Short: "Relay pending outbox events into the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, app, func(ctx context.Context, c *core.Core) error {
				var (
					res outbox.Result
					err error
				)
				if all {
					res, err = c.Relay.RelayAll(ctx, queueName, consumer, limit)
				} else {
					res, err = c.Relay.Relay(ctx, root.Tenant, queueName, consumer, outbox.ClampLimit(limit))
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	relay.Flags().StringVar(&queueName, "queue", "jobs", "destination queue")
	relay.Flags().StringVar(&consumer, "consumer", "opsctl", "consumer name recorded per delivery")
	relay.Flags().IntVar(&limit, "limit", 100, "events per tenant (1-1000)")
	relay.Flags().BoolVar(&all, "all-tenants", false, "relay every tenant with pending events")

	cmd := &cobra.Command{Use: "outbox", Short: "Operate the transactional outbox"}
	cmd.AddCommand(relay)
	return cmd
}

func newDrainCommand(app *App) *cobra.Command {
	var passes int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process queued jobs until the queues are idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, app, func(ctx context.Context, c *core.Core) error {
				p := worker.NewProcessor(c.Queue, c.Executor, c.Relay, worker.OptionsFromConfig(c.Config), "opsctl")
				st, err := p.DrainUntilIdle(ctx, passes)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().IntVar(&passes, "passes", 10, "maximum drain passes (0 for unbounded)")
	return cmd
}

func newReleaseCommand(app *App, root *RootOptions) *cobra.Command {
	var (
		req   release.ReadinessRequest
		gates map[string]string
	)
	readiness := &cobra.Command{
		Use:   "readiness",
		Short: "Evaluate and record release readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := parseGates(gates)
			if err != nil {
				return err
			}
			req.GateResults = results
			return withCore(cmd, app, func(ctx context.Context, c *core.Core) error {
				a, err := c.Releases.EvaluateReadiness(ctx, root.Tenant, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
	readiness.Flags().StringVar(&req.ReleaseID, "release", "", "release id")
	readiness.Flags().StringVar(&req.DatasetVersion, "dataset-version", "", "evaluation dataset version")
	readiness.Flags().BoolVar(&req.ReplayPassed, "replay-passed", false, "whether the replay run passed")
	readiness.Flags().StringToStringVar(&gates, "gate", nil, "gate results as name=true|false")
	_ = readiness.MarkFlagRequired("release")

	cmd := &cobra.Command{Use: "release", Short: "Release gating"}
	cmd.AddCommand(readiness)
	return cmd
}

func parseGates(raw map[string]string) (map[string]bool, error) {
	out := make(map[string]bool, len(raw))
	for name, v := range raw {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("gate %s: %q is not a boolean", name, v)
		}
		out[strings.TrimSpace(name)] = b
	}
	return out, nil
}

func newTokenCommand(app *App, root *RootOptions) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a bearer token for the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := auth.NewVerifier(app.Config.JWTSecret, app.Config.JWTIssuer, app.Config.JWTTenantClaim)
			if v == nil {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := v.Issue(auth.Principal{Subject: subject, TenantID: root.Tenant, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	issue.Flags().StringVar(&subject, "subject", "opsctl", "token subject")
	issue.Flags().StringSliceVar(&roles, "role", nil, "roles to embed")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")

	cmd := &cobra.Command{Use: "token", Short: "Bearer token helpers"}
	cmd.AddCommand(issue)
	return cmd
}
