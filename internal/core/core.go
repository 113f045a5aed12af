// Package core assembles the stores, queue, storage and services into the
// single object the API, worker and opsctl processes share.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bid-evaluation-service/internal/approval"
	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/compliance"
	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/dlq"
	"bid-evaluation-service/internal/evaluation"
	"bid-evaluation-service/internal/governor"
	"bid-evaluation-service/internal/idempotency"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/outbox"
	"bid-evaluation-service/internal/queue"
	"bid-evaluation-service/internal/release"
	"bid-evaluation-service/internal/storage"
	"bid-evaluation-service/internal/store"
	"bid-evaluation-service/internal/store/memory"
	"bid-evaluation-service/internal/store/postgres"
	"bid-evaluation-service/internal/workflow"
)

// Deps overrides the infrastructure New would otherwise build from config.
type Deps struct {
	Store   store.Store
	Queue   queue.Backend
	Objects *storage.Storage
}

// Core holds one instance of every component.
type Core struct {
	Config config.Config

	Store   store.Store
	Queue   queue.Backend
	Objects *storage.Storage

	Audit       *audit.Log
	Approvals   approval.Policy
	Governor    *governor.Governor
	Idempotency *idempotency.Manager
	Executor    *jobs.Executor
	Tokens      *workflow.Tokens
	Relay       *outbox.Relay
	DLQ         *dlq.Manager
	Evaluations *evaluation.Service
	Compliance  *compliance.Manager
	Releases    *release.Service
}

// New builds the core. Infrastructure missing from deps is created from cfg.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Core, error) {
	c := &Core{Config: cfg, Store: deps.Store, Queue: deps.Queue, Objects: deps.Objects}
	var err error
	if c.Store == nil {
		if c.Store, err = openStore(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if c.Queue == nil {
		if c.Queue, err = queue.New(cfg); err != nil {
			c.Store.Close()
			return nil, fmt.Errorf("open queue: %w", err)
		}
	}
	if c.Objects == nil {
		if c.Objects, err = storage.New(ctx, cfg); err != nil {
			c.Close()
			return nil, fmt.Errorf("open object storage: %w", err)
		}
	}

	registry, err := loadRegistry(cfg.ToolRegistryFile)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Governor = governor.New(registry, governor.NewState(cfg.ToolCBFailureThreshold, cfg.ToolCBReset), governor.Options{
		Timeout:            cfg.ToolCallTimeout,
		RetryMax:           cfg.ToolRetryMax,
		DisabledNames:      cfg.ToolDisabledNames,
		DisabledRiskLevels: cfg.ToolDisabledRiskLevels,
	})
	c.Approvals = approval.NewPolicy(cfg.ApprovalRequiredActions, cfg.DualApprovalRequiredActions)
	c.Audit = audit.New(c.Store)
	c.Idempotency = idempotency.NewManager(c.Store)
	c.Executor = jobs.NewExecutor(jobs.Stores{Jobs: c.Store, DLQ: c.Store, Checkpoints: c.Store, Audit: c.Store}, jobs.RetryPolicy{
		MaxRetries: cfg.WorkerMaxRetries,
		Base:       cfg.WorkerBackoffBase,
		Max:        cfg.WorkerBackoffMax,
	})
	c.Tokens = workflow.NewTokens(c.Store, cfg.ResumeTokenTTL)
	c.Relay = outbox.NewRelay(c.Store, c.Store, c.Queue)
	c.DLQ = dlq.NewManager(c.Store, c.Executor, c.Governor, c.Approvals, c.Audit)
	c.Evaluations = evaluation.New(c.Executor, c.Store, c.Tokens, c.Objects, c.Audit)
	c.Compliance = compliance.NewManager(c.Store, c.Objects, compliance.ReportResolver(c.Store), c.Governor, c.Approvals, c.Audit)
	c.Releases = release.New(c.Store, c.Executor, c.Evaluations, c.Audit, release.Options{
		RequiredGates:      cfg.ReleaseRequiredGates,
		ReadinessRequired:  cfg.ReleaseReadinessRequired,
		CanaryRatio:        cfg.ReleaseCanaryRatio,
		CanaryDurationMin:  cfg.ReleaseCanaryDurationMin,
		RollbackMaxMinutes: cfg.RollbackMaxMinutes,
	})
	slog.Info("core ready",
		"store", cfg.StoreBackend,
		"queue", cfg.QueueBackend,
		"object_storage", c.Objects.Backend(),
		"tools", len(registry.List()))
	return c, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		st, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func loadRegistry(path string) (*governor.Registry, error) {
	reg, err := governor.LoadRegistryFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tool registry: %w", err)
	}
	return reg, nil
}

// Close releases the queue and store connections.
func (c *Core) Close() {
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			slog.Warn("close queue", "error", err)
		}
	}
	if c.Store != nil {
		c.Store.Close()
	}
}
