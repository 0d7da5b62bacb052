package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/compliance/events"
	obsmetrics "github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"github.com/smallbiznis/esocialgw/internal/observability/tracing"
	"github.com/smallbiznis/esocialgw/internal/transmission"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var awaitingOnly = []domain.Status{domain.StatusAwaitingReceipt}

// PollReceiptsJob queries the remote status of every awaiting event whose
// next poll is due.
func (p *Poller) PollReceiptsJob(ctx context.Context) error {
	ctx, run, owner := p.ensureJobRun(ctx, JobPollReceipts, p.cfg.BatchSize)
	if owner {
		p.logJobStart(ctx, run)
		defer p.logJobFinish(ctx, run)
	}

	pollerMetrics := obsmetrics.Poller()
	lockStart := time.Now()
	due, err := p.repo.ClaimDueForPolling(ctx, p.db, p.clock.Now(), p.cfg.ClaimLease, p.cfg.BatchSize)
	pollerMetrics.ObserveDBLockWait(obsmetrics.LockResourceAwaitingReceipt, time.Since(lockStart))
	if err != nil {
		return err
	}

	var jobErr error
	for _, event := range due {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		if _, err := p.Resolve(ctx, event); err != nil {
			jobErr = errors.Join(jobErr, err)
			p.logJobError(ctx, "poller.resolve.failed", event, err)
			continue
		}
		run.AddProcessed(1)
	}
	pollerMetrics.AddBatchProcessed(JobPollReceipts, obsmetrics.LockResourceAwaitingReceipt, len(due))
	return jobErr
}

// Resolve polls the status of one awaiting event and applies the outcome.
// Every write is guarded on awaiting_receipt, so repeated or concurrent
// calls for the same protocol settle the event at most once.
func (p *Poller) Resolve(ctx context.Context, event domain.ComplianceEvent) (string, error) {
	pipelineMetrics := obsmetrics.Pipeline()
	if event.Status != domain.StatusAwaitingReceipt || event.ProtocolID == nil || *event.ProtocolID == "" {
		pipelineMetrics.IncPollResult(obsmetrics.PollResultNoop)
		return obsmetrics.PollResultNoop, nil
	}
	protocolID := *event.ProtocolID
	ctx = withEventContext(ctx, event)
	ctx, span := tracing.StartStage(ctx, string(domain.StagePoll),
		attribute.String("event.id", event.ID.String()),
		attribute.String("event.protocol_id", protocolID),
	)

	result, err := p.resolve(ctx, event, protocolID)
	tracing.EndStage(span, err)
	if err != nil {
		pipelineMetrics.IncPollResult(obsmetrics.PollResultError)
		return obsmetrics.PollResultError, err
	}
	pipelineMetrics.IncPollResult(result)
	return result, nil
}

func (p *Poller) resolve(ctx context.Context, event domain.ComplianceEvent, protocolID string) (string, error) {
	log := p.logger(ctx).With(zap.String("protocol_id", protocolID))
	policy := p.policy.Get().Poll

	status, queryErr := p.client.QueryStatus(ctx, protocolID)
	now := p.clock.Now()
	if queryErr == nil {
		switch status.State {
		case transmission.StateAccepted:
			if status.ReceiptID != "" {
				update := domain.NewStatusUpdate(domain.StatusSent, now).
					WithReceipt(status.ReceiptID).
					ClearPoll()
				return p.settle(ctx, event, update, obsmetrics.PollResultAccepted)
			}
			log.Warn("accepted status without receipt, polling again")
		case transmission.StateRejected:
			update := domain.NewStatusUpdate(domain.StatusRejected, now).
				WithRejection(status.Reason).
				ClearPoll()
			return p.settle(ctx, event, update, obsmetrics.PollResultRejected)
		}
	} else {
		if errors.Is(queryErr, context.Canceled) || errors.Is(queryErr, context.DeadlineExceeded) {
			return "", queryErr
		}
		log.Warn("status query failed",
			zap.Bool("retryable", transmission.IsRetryable(queryErr)),
			zap.Error(queryErr),
		)
	}

	since := event.UpdatedAt
	if event.AwaitingSince != nil {
		since = *event.AwaitingSince
	}
	deadline := since.Add(policy.MaxWait)
	if !now.Before(deadline) {
		timeout := &domain.PipelineError{
			Stage: domain.StagePoll,
			Kind:  domain.KindPollTimeout,
			Err:   fmt.Errorf("no final status for protocol %s within %s", protocolID, policy.MaxWait),
		}
		update := domain.NewStatusUpdate(domain.StatusError, now).
			WithError(domain.KindPollTimeout, timeout.Error(), false).
			ClearPoll()
		obsmetrics.Pipeline().IncStageFailure(string(domain.StagePoll), string(domain.KindPollTimeout))
		return p.settle(ctx, event, update, obsmetrics.PollResultTimeout)
	}

	next := now.Add(PollDelay(policy, event.PollAttempts))
	if next.After(deadline) {
		next = deadline
	}
	update := domain.NewStatusUpdate(domain.StatusAwaitingReceipt, now).
		WithNextPoll(event.PollAttempts+1, next)
	if _, err := p.repo.UpdateStatus(ctx, p.db, event.ID, awaitingOnly, update); err != nil {
		return "", err
	}
	if queryErr != nil {
		return obsmetrics.PollResultError, nil
	}
	return obsmetrics.PollResultPending, nil
}

// settle applies a guarded transition out of awaiting_receipt. Losing the
// race to another poller or a manual requery is not an error.
func (p *Poller) settle(ctx context.Context, event domain.ComplianceEvent, update *domain.StatusUpdate, result string) (string, error) {
	changed, err := p.repo.UpdateStatus(ctx, p.db, event.ID, awaitingOnly, update)
	if err != nil {
		return "", err
	}
	if !changed {
		return obsmetrics.PollResultNoop, nil
	}
	obsmetrics.Pipeline().IncTransition(string(domain.StatusAwaitingReceipt), string(update.Status))
	p.logger(ctx).Info("compliance event settled",
		zap.String("status", string(update.Status)),
	)
	p.notify(ctx, event.ID, domain.StatusAwaitingReceipt)
	return result, nil
}

// RetryTransmissionsJob resubmits events whose last attempt failed with a
// retryable error and whose retry time has come.
func (p *Poller) RetryTransmissionsJob(ctx context.Context) error {
	ctx, run, owner := p.ensureJobRun(ctx, JobRetrySubmissions, p.cfg.BatchSize)
	if owner {
		p.logJobStart(ctx, run)
		defer p.logJobFinish(ctx, run)
	}

	policy := p.policy.Get().Retry
	if !policy.Enabled || p.submitter == nil {
		return nil
	}

	pollerMetrics := obsmetrics.Poller()
	lockStart := time.Now()
	due, err := p.repo.ListDueForRetry(ctx, p.db, p.clock.Now(), policy.MaxAttempts, p.cfg.BatchSize)
	pollerMetrics.ObserveDBLockWait(obsmetrics.LockResourceRetryable, time.Since(lockStart))
	if err != nil {
		return err
	}

	var jobErr error
	for _, event := range due {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		if !p.hasTimeForSubmission(ctx) {
			pollerMetrics.IncBatchDeferred(JobRetrySubmissions, obsmetrics.PollerBatchDeferredReasonTimeBudget)
			break
		}
		eventCtx := withEventContext(ctx, event)
		result, err := p.submitter.Submit(eventCtx, event.ID.String())
		if errors.Is(err, domain.ErrSubmissionInProgress) {
			// claimed by a manual submit since the listing
			continue
		}
		if err != nil {
			var pipelineErr *domain.PipelineError
			if errors.As(err, &pipelineErr) {
				// already recorded on the event by the orchestrator
				p.logger(eventCtx).Info("automatic retry failed",
					zap.String("error_kind", string(pipelineErr.Kind)),
					zap.Bool("retryable", pipelineErr.Retryable),
				)
				run.AddProcessed(1)
				continue
			}
			jobErr = errors.Join(jobErr, err)
			p.logJobError(ctx, "poller.retry.failed", event, err)
			continue
		}
		p.logger(eventCtx).Info("automatic retry submitted",
			zap.Bool("accepted", result.Accepted),
			zap.String("status", string(result.Status)),
		)
		run.AddProcessed(1)
	}
	pollerMetrics.AddBatchProcessed(JobRetrySubmissions, obsmetrics.LockResourceRetryable, len(due))
	return jobErr
}

// hasTimeForSubmission reports whether a submission started now can finish
// before the job deadline. A transmission cut short after the remote side
// accepted the batch would be sent again later.
func (p *Poller) hasTimeForSubmission(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok || p.cfg.TransmissionTimeout <= 0 {
		return true
	}
	return time.Until(deadline) >= p.cfg.TransmissionTimeout
}

// RecoverStaleProcessingJob moves events left in processing by a crashed
// run to a retryable error.
func (p *Poller) RecoverStaleProcessingJob(ctx context.Context) error {
	ctx, run, owner := p.ensureJobRun(ctx, JobRecoverProcessing, p.cfg.BatchSize)
	if owner {
		p.logJobStart(ctx, run)
		defer p.logJobFinish(ctx, run)
	}

	policy := p.policy.Get()
	now := p.clock.Now()
	cutoff := now.Add(-policy.StaleProcessingAfter)

	pollerMetrics := obsmetrics.Poller()
	lockStart := time.Now()
	stale, err := p.repo.ListStaleProcessing(ctx, p.db, cutoff, p.cfg.BatchSize)
	pollerMetrics.ObserveDBLockWait(obsmetrics.LockResourceStaleProcessing, time.Since(lockStart))
	if err != nil {
		return err
	}

	var jobErr error
	for _, event := range stale {
		interrupted := &domain.PipelineError{
			Stage:     domain.StageLoad,
			Kind:      domain.KindInterrupted,
			Retryable: true,
			Err:       fmt.Errorf("processing stalled since %s", event.UpdatedAt.UTC().Format(time.RFC3339)),
		}
		update := domain.NewStatusUpdate(domain.StatusError, now).
			WithError(interrupted.Kind, interrupted.Error(), true).
			WithNextRetry(&now)
		changed, err := p.repo.UpdateStatus(ctx, p.db, event.ID, []domain.Status{domain.StatusProcessing}, update)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			p.logJobError(ctx, "poller.recover.failed", event, err)
			continue
		}
		if !changed {
			continue
		}
		obsmetrics.Pipeline().IncTransition(string(domain.StatusProcessing), string(domain.StatusError))
		p.logger(withEventContext(ctx, event)).Warn("stale processing event recovered")
		p.notify(ctx, event.ID, domain.StatusProcessing)
		run.AddProcessed(1)
	}
	pollerMetrics.AddBatchProcessed(JobRecoverProcessing, obsmetrics.LockResourceStaleProcessing, len(stale))
	return jobErr
}

func (p *Poller) notify(ctx context.Context, id snowflake.ID, from domain.Status) {
	current, err := p.repo.FindByID(ctx, p.db, id)
	if err != nil {
		p.logger(ctx).Warn("reload for lifecycle notification failed", zap.Error(err))
		return
	}
	if err := p.publisher.Publish(ctx, events.NewLifecycleEvent(*current, from, p.clock.Now())); err != nil {
		p.logger(ctx).Warn("lifecycle notification failed", zap.Error(err))
	}
}
