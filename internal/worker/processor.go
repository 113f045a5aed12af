package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/outbox"
	"bid-evaluation-service/internal/queue"
	"bid-evaluation-service/internal/telemetry"
)

// Options tune draining and the background loops.
type Options struct {
	QueueNames       []string
	Concurrency      int
	TenantBurstLimit int
	MaxPerIteration  int
	PollInterval     time.Duration
	RelayInterval    time.Duration
	OutboxQueue      string
	ConsumerName     string
}

// OptionsFromConfig maps the WORKER_* and OUTBOX_* settings.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		QueueNames:       cfg.WorkerQueueNames,
		Concurrency:      cfg.WorkerConcurrency,
		TenantBurstLimit: cfg.WorkerTenantBurstLimit,
		MaxPerIteration:  cfg.WorkerConcurrency * 10,
		PollInterval:     cfg.WorkerPollInterval,
		RelayInterval:    cfg.OutboxRelayInterval,
		OutboxQueue:      cfg.OutboxQueueName,
		ConsumerName:     cfg.OutboxConsumerName,
	}
}

func (o Options) withDefaults() Options {
	if len(o.QueueNames) == 0 {
		o.QueueNames = []string{"jobs"}
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.TenantBurstLimit < 1 {
		o.TenantBurstLimit = 1
	}
	if o.MaxPerIteration < 1 {
		o.MaxPerIteration = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.OutboxQueue == "" {
		o.OutboxQueue = o.QueueNames[0]
	}
	if o.ConsumerName == "" {
		o.ConsumerName = "worker"
	}
	return o
}

// Stats counts what one drain pass did.
type Stats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Acked     int `json:"acked"`
	Requeued  int `json:"requeued"`

	MessageIDs []string `json:"message_ids"`
}

func (s *Stats) add(o Stats) {
	s.Processed += o.Processed
	s.Succeeded += o.Succeeded
	s.Retrying += o.Retrying
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Acked += o.Acked
	s.Requeued += o.Requeued
	s.MessageIDs = append(s.MessageIDs, o.MessageIDs...)
}

// Processor drives the worker execution loop.
type Processor struct {
	queue    queue.Backend
	executor *jobs.Executor
	relay    *outbox.Relay
	opts     Options
	workerID string
}

// NewProcessor creates a processor. relay may be nil to disable the outbox loop.
func NewProcessor(q queue.Backend, executor *jobs.Executor, relay *outbox.Relay, opts Options, workerID string) *Processor {
	return &Processor{queue: q, executor: executor, relay: relay, opts: opts.withDefaults(), workerID: workerID}
}

// RunOnce drains every queue round-robin across tenants, taking at most
// TenantBurstLimit messages from a tenant per round and MaxPerIteration in total.
func (p *Processor) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats
	for _, name := range p.opts.QueueNames {
		for st.Processed < p.opts.MaxPerIteration {
			tenants, err := p.queue.ListTenants(ctx, name)
			if err != nil {
				return st, fmt.Errorf("list tenants for %s: %w", name, err)
			}
			if len(tenants) == 0 {
				break
			}
			progressed := false
			for _, tenantID := range tenants {
				for i := 0; i < p.opts.TenantBurstLimit && st.Processed < p.opts.MaxPerIteration; i++ {
					handled, err := p.processMessage(ctx, name, tenantID, jobs.RunOptions{}, &st)
					if err != nil {
						return st, err
					}
					if !handled {
						break
					}
					progressed = true
				}
			}
			if !progressed {
				break
			}
		}
		p.observeDepth(ctx, name)
	}
	return st, nil
}

// DrainUntilIdle repeats RunOnce until a pass processes nothing or
// maxPasses is reached.
func (p *Processor) DrainUntilIdle(ctx context.Context, maxPasses int) (Stats, error) {
	var total Stats
	for i := 0; maxPasses <= 0 || i < maxPasses; i++ {
		st, err := p.RunOnce(ctx)
		total.add(st)
		if err != nil {
			return total, err
		}
		if st.Processed == 0 {
			break
		}
	}
	return total, nil
}

// DrainTenant processes up to max messages of one tenant's queue with the
// given failure injection. It backs the ops drain endpoint.
func (p *Processor) DrainTenant(ctx context.Context, tenantID, queueName string, max int, opts jobs.RunOptions) (Stats, error) {
	if max < 1 {
		max = 1
	}
	st := Stats{MessageIDs: make([]string, 0, max)}
	for i := 0; i < max; i++ {
		handled, err := p.processMessage(ctx, queueName, tenantID, opts, &st)
		if err != nil {
			return st, err
		}
		if !handled {
			break
		}
	}
	p.observeDepth(ctx, queueName)
	return st, nil
}

func (p *Processor) observeDepth(ctx context.Context, name string) {
	tenants, err := p.queue.ListTenants(ctx, name)
	if err != nil {
		return
	}
	total := 0
	for _, t := range tenants {
		if n, err := p.queue.PendingCount(ctx, t, name); err == nil {
			total += n
		}
	}
	telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(total))
}

// processMessage handles one message. It reports false when the tenant's
// queue had nothing visible.
func (p *Processor) processMessage(ctx context.Context, queueName, tenantID string, opts jobs.RunOptions, st *Stats) (bool, error) {
	msg, ok, err := p.queue.Dequeue(ctx, tenantID, queueName)
	if err != nil {
		return false, fmt.Errorf("dequeue %s/%s: %w", tenantID, queueName, err)
	}
	if !ok {
		return false, nil
	}
	st.Processed++
	st.MessageIDs = append(st.MessageIDs, msg.MessageID)
	ack := func() error {
		if err := p.queue.Ack(ctx, tenantID, msg.MessageID); err != nil {
			return fmt.Errorf("ack %s: %w", msg.MessageID, err)
		}
		st.Acked++
		return nil
	}

	jobID, _ := msg.Payload["job_id"].(string)
	if jobID == "" {
		st.Skipped++
		return true, ack()
	}
	job, err := p.executor.Get(ctx, tenantID, jobID)
	if err != nil {
		slog.Warn("drop message for unknown job", "tenant_id", tenantID, "job_id", jobID, "error", err)
		st.Skipped++
		return true, ack()
	}
	if job.Status != models.StatusQueued && job.Status != models.StatusRetrying {
		st.Skipped++
		return true, ack()
	}

	res, err := p.executor.RunOnce(ctx, tenantID, jobID, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return true, err
		}
		// The job record stays authoritative; the message is not retried.
		slog.Error("job attempt failed", "worker_id", p.workerID, "tenant_id", tenantID, "job_id", jobID,
			"code", codeOf(err), "error", err)
		st.Failed++
		return true, ack()
	}
	if res.FinalStatus == string(models.StatusRetrying) {
		delay := time.Duration(res.RetryAfterMS) * time.Millisecond
		if _, err := p.queue.Nack(ctx, tenantID, msg.MessageID, true, delay); err != nil {
			return true, fmt.Errorf("nack %s: %w", msg.MessageID, err)
		}
		st.Requeued++
		st.Retrying++
		return true, nil
	}
	switch models.JobStatus(res.FinalStatus) {
	case models.StatusSucceeded, models.StatusNeedsManualDecision:
		st.Succeeded++
	default:
		st.Failed++
	}
	return true, ack()
}

func codeOf(err error) string {
	if ae, ok := apperr.As(err); ok {
		return ae.Code
	}
	return apperr.CodeInternal
}

// Run starts Concurrency drain loops and the outbox relay loop until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		slot := i
		g.Go(func() error { return p.drainLoop(ctx, slot) })
	}
	if p.relay != nil && p.opts.RelayInterval > 0 {
		g.Go(func() error { return p.relayLoop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) drainLoop(ctx context.Context, slot int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		st, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("drain pass failed", "worker_id", p.workerID, "slot", slot, "error", err)
		}
		if st.Processed > 0 {
			slog.Debug("drain pass", "worker_id", p.workerID, "slot", slot, "processed", st.Processed, "requeued", st.Requeued)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

func (p *Processor) relayLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.RelayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := p.relay.RelayAll(ctx, p.opts.OutboxQueue, p.opts.ConsumerName, 0)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("outbox relay failed", "worker_id", p.workerID, "error", err)
				continue
			}
			if res.QueuedCount > 0 {
				slog.Info("outbox relayed", "queued", res.QueuedCount, "skipped", res.SkippedCount)
			}
		}
	}
}
