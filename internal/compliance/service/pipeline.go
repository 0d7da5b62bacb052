package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/esocialgw/internal/audit/masking"
	"github.com/smallbiznis/esocialgw/internal/batch"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	obscontext "github.com/smallbiznis/esocialgw/internal/observability/context"
	obslogger "github.com/smallbiznis/esocialgw/internal/observability/logger"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"github.com/smallbiznis/esocialgw/internal/observability/tracing"
	"github.com/smallbiznis/esocialgw/internal/poller"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"github.com/smallbiznis/esocialgw/internal/signer"
	"github.com/smallbiznis/esocialgw/internal/transmission"
	"github.com/smallbiznis/esocialgw/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	submittable = []domain.Status{domain.StatusPending, domain.StatusError}
	handOffFrom = []domain.Status{domain.StatusProcessing, domain.StatusError}
)

// persistTimeout bounds status writes made after the caller may have gone away.
const persistTimeout = 10 * time.Second

// detached keeps ctx values (logger fields, trace) but not its cancellation,
// so an outcome reached remotely is always recorded.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// Submit runs the transmission pipeline for one event:
// claim, build, credential, sign, transmit and hand off to the poller.
// Stage failures are recorded on the event and returned as *domain.PipelineError
// together with a populated result.
func (s *Service) Submit(ctx context.Context, id string) (domain.SubmitResult, error) {
	eventID, err := parseID(id)
	if err != nil {
		return domain.SubmitResult{EventID: id, Kind: domain.KindNotFound, Message: err.Error()}, err
	}
	event, err := s.repo.FindByID(ctx, s.db, eventID)
	if err != nil {
		result := domain.SubmitResult{EventID: id, Message: err.Error()}
		if errors.Is(err, domain.ErrNotFound) {
			result.Kind = domain.KindNotFound
		}
		return result, err
	}

	ctx = obscontext.WithCompanyID(ctx, event.CompanyID)
	ctx = obscontext.WithEventID(ctx, event.ID.String())
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	log := obslogger.WithEvent(s.logger(ctx), event.ID.String(), event.CompanyID, string(event.EventType))
	pipelineMetrics := metrics.Pipeline()

	if result, done := s.settledResult(*event); done {
		pipelineMetrics.IncSubmission(string(event.EventType), metrics.SubmissionOutcomeSkipped)
		return result, nil
	}
	if event.Status == domain.StatusError && event.Kind() == domain.KindPollTimeout {
		pipelineMetrics.IncSubmission(string(event.EventType), metrics.SubmissionOutcomeSkipped)
		return domain.SubmitResult{
			EventID:    event.ID.String(),
			Status:     event.Status,
			ProtocolID: deref(event.ProtocolID),
			Message:    "status of the submitted batch is undetermined; re-query it instead of resubmitting",
			Kind:       domain.KindPollTimeout,
		}, domain.ErrResubmitNotAllowed
	}

	now := s.clock.Now()
	claimed, err := s.repo.Claim(ctx, s.db, event.ID, submittable, now)
	if err != nil {
		return domain.SubmitResult{EventID: id, Kind: domain.KindInternal, Message: err.Error()}, err
	}
	if !claimed {
		pipelineMetrics.IncSubmission(string(event.EventType), metrics.SubmissionOutcomeSkipped)
		return domain.SubmitResult{
			EventID: event.ID.String(),
			Status:  domain.StatusProcessing,
			Message: "submission already in progress",
		}, domain.ErrSubmissionInProgress
	}
	from := event.Status
	event.Status = domain.StatusProcessing
	event.Attempts++
	pipelineMetrics.IncTransition(string(from), string(domain.StatusProcessing))
	s.publish(ctx, *event, from)
	log.Info("pipeline started", zap.Int("attempt", event.Attempts))

	signed, pipelineErr := s.prepare(ctx, event, log)
	if pipelineErr != nil {
		return s.fail(ctx, *event, pipelineErr, log)
	}

	protocolID, pipelineErr := s.transmit(ctx, *event, signed)
	if pipelineErr != nil {
		return s.fail(ctx, *event, pipelineErr, log)
	}

	return s.handOff(ctx, *event, protocolID, log)
}

// prepare returns the signed batch, reusing the stored document when the
// unsigned batch is unchanged since it was last signed.
func (s *Service) prepare(ctx context.Context, event *domain.ComplianceEvent, log *zap.Logger) ([]byte, *domain.PipelineError) {
	unsigned, err := s.stage(ctx, domain.StageBuild, func(context.Context) ([]byte, error) {
		return s.builder.Build(*event)
	})
	if err != nil {
		kind := domain.KindMalformedPayload
		if errors.Is(err, batch.ErrUnsupportedEventType) {
			kind = domain.KindUnsupportedEventType
		}
		return nil, &domain.PipelineError{Stage: domain.StageBuild, Kind: kind, Err: err}
	}
	digest := batch.Digest(unsigned)

	if event.HasXML() && event.PayloadDigest != nil && *event.PayloadDigest == digest {
		log.Info("batch unchanged since last signing, reusing signed document")
		return []byte(*event.XMLContent), nil
	}

	var credential secretstore.Credential
	_, err = s.stage(ctx, domain.StageCredential, func(ctx context.Context) ([]byte, error) {
		var fetchErr error
		credential, fetchErr = s.secrets.Fetch(ctx, event.CompanyID)
		return nil, fetchErr
	})
	if err != nil {
		kind := domain.KindSecretUnavailable
		switch {
		case errors.Is(err, secretstore.ErrSecretNotFound):
			kind = domain.KindSecretNotFound
		case errors.Is(err, secretstore.ErrInvalidSecret):
			kind = domain.KindInvalidCredential
		}
		return nil, &domain.PipelineError{Stage: domain.StageCredential, Kind: kind, Err: err}
	}

	signed, err := s.stage(ctx, domain.StageSign, func(context.Context) ([]byte, error) {
		return s.signer.Sign(unsigned, credential)
	})
	if err != nil {
		s.metrics.RecordSignature(ctx, string(event.EventType), "error")
		kind := domain.KindSigningFailed
		if errors.Is(err, signer.ErrInvalidCredential) {
			kind = domain.KindInvalidCredential
		}
		redacted := errors.New(masking.Redact(err.Error(), credential.Password))
		return nil, &domain.PipelineError{Stage: domain.StageSign, Kind: kind, Err: redacted}
	}
	s.metrics.RecordSignature(ctx, string(event.EventType), "ok")

	update := domain.NewStatusUpdate(domain.StatusProcessing, s.clock.Now()).
		WithXML(string(signed), digest)
	persistCtx, cancel := detached(ctx)
	defer cancel()
	ok, err := s.repo.UpdateStatus(persistCtx, s.db, event.ID, []domain.Status{domain.StatusProcessing}, update)
	if err != nil {
		return nil, &domain.PipelineError{Stage: domain.StagePersist, Kind: domain.KindInternal, Retryable: true, Err: err}
	}
	if !ok {
		return nil, &domain.PipelineError{
			Stage:     domain.StagePersist,
			Kind:      domain.KindInterrupted,
			Retryable: true,
			Err:       errors.New("event left processing before the signed batch was stored"),
		}
	}
	xml := string(signed)
	event.XMLContent = &xml
	event.PayloadDigest = &digest
	return signed, nil
}

func (s *Service) transmit(ctx context.Context, event domain.ComplianceEvent, signed []byte) (string, *domain.PipelineError) {
	var protocolID string
	_, err := s.stage(ctx, domain.StageTransmit, func(ctx context.Context) ([]byte, error) {
		var submitErr error
		protocolID, submitErr = s.client.Submit(ctx, signed)
		return nil, submitErr
	})
	if err == nil {
		return protocolID, nil
	}

	switch {
	case errors.Is(err, transmission.ErrServiceRejectedBatch):
		return "", &domain.PipelineError{Stage: domain.StageTransmit, Kind: domain.KindServiceRejectedBatch, Err: err}
	case transmission.IsRetryable(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "", &domain.PipelineError{Stage: domain.StageTransmit, Kind: domain.KindTransmissionRetry, Retryable: true, Err: err}
	default:
		return "", &domain.PipelineError{Stage: domain.StageTransmit, Kind: domain.KindTransmissionFatal, Err: err}
	}
}

// handOff records the protocol and passes the event to the status poller.
func (s *Service) handOff(ctx context.Context, event domain.ComplianceEvent, protocolID string, log *zap.Logger) (domain.SubmitResult, error) {
	ctx, cancel := detached(ctx)
	defer cancel()

	now := s.clock.Now()
	policy := s.policy.Get()
	update := domain.NewStatusUpdate(domain.StatusAwaitingReceipt, now).
		WithProtocol(protocolID).
		ClearError().
		WithAwaiting(now, now.Add(poller.PollDelay(policy.Poll, 0)))

	// error is accepted too: stale recovery may have fired during a slow
	// transmit, and the protocol must not be lost
	ok, err := s.repo.UpdateStatus(ctx, s.db, event.ID, handOffFrom, update)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("event changed state during transmission")
		}
		log.Error("protocol could not be recorded",
			zap.String("protocol_id", protocolID),
			zap.Error(err),
		)
		return domain.SubmitResult{
			EventID:    event.ID.String(),
			Status:     event.Status,
			ProtocolID: protocolID,
			Message:    err.Error(),
			Kind:       domain.KindInternal,
		}, err
	}

	metrics.Pipeline().IncTransition(string(domain.StatusProcessing), string(domain.StatusAwaitingReceipt))
	metrics.Pipeline().IncSubmission(string(event.EventType), metrics.SubmissionOutcomeAccepted)

	event.Status = domain.StatusAwaitingReceipt
	event.ProtocolID = &protocolID
	event.ErrorKind = nil
	event.ErrorMessage = nil
	event.Retryable = false
	s.publish(ctx, event, domain.StatusProcessing)
	if s.tracker != nil {
		s.tracker.Track(event.ID)
	}
	log.Info("batch accepted for processing", zap.String("protocol_id", protocolID), zap.String("adapter", s.adapter))

	return domain.SubmitResult{
		EventID:    event.ID.String(),
		Accepted:   true,
		Status:     domain.StatusAwaitingReceipt,
		ProtocolID: protocolID,
		Message:    "batch accepted for processing",
	}, nil
}

// fail records a stage failure on the event and returns it to the caller.
func (s *Service) fail(ctx context.Context, event domain.ComplianceEvent, pipelineErr *domain.PipelineError, log *zap.Logger) (domain.SubmitResult, error) {
	ctx, cancel := detached(ctx)
	defer cancel()

	now := s.clock.Now()
	message := masking.Redact(pipelineErr.Error())

	update := domain.NewStatusUpdate(domain.StatusError, now).
		WithError(pipelineErr.Kind, message, pipelineErr.Retryable).
		WithNextRetry(s.nextRetry(event, pipelineErr.Retryable, now))
	if _, err := s.repo.UpdateStatus(ctx, s.db, event.ID, []domain.Status{domain.StatusProcessing}, update); err != nil {
		log.Error("failed to record pipeline failure", zap.Error(err))
		pipelineErr = &domain.PipelineError{
			Stage:     pipelineErr.Stage,
			Kind:      pipelineErr.Kind,
			Retryable: pipelineErr.Retryable,
			Err:       errors.Join(pipelineErr.Err, err),
		}
	}

	pipelineMetrics := metrics.Pipeline()
	pipelineMetrics.IncStageFailure(string(pipelineErr.Stage), string(pipelineErr.Kind))
	pipelineMetrics.IncTransition(string(domain.StatusProcessing), string(domain.StatusError))
	pipelineMetrics.IncSubmission(string(event.EventType), metrics.SubmissionOutcomeFailed)

	event.Status = domain.StatusError
	kind := string(pipelineErr.Kind)
	event.ErrorKind = &kind
	event.ErrorMessage = &message
	event.Retryable = pipelineErr.Retryable
	s.publish(ctx, event, domain.StatusProcessing)

	log.Warn("pipeline stage failed",
		zap.String("stage", string(pipelineErr.Stage)),
		zap.String("error_kind", kind),
		zap.Bool("retryable", pipelineErr.Retryable),
		zap.String("error", message),
	)

	return domain.SubmitResult{
		EventID:    event.ID.String(),
		Status:     domain.StatusError,
		ProtocolID: deref(event.ProtocolID),
		Message:    message,
		Kind:       pipelineErr.Kind,
		Retryable:  pipelineErr.Retryable,
	}, pipelineErr
}

// nextRetry schedules the automatic resubmission of a retryable failure, or
// nil when the policy leaves it to the caller.
func (s *Service) nextRetry(event domain.ComplianceEvent, retryable bool, now time.Time) *time.Time {
	policy := s.policy.Get().Retry
	if !retryable || !policy.Enabled || event.Attempts >= policy.MaxAttempts {
		return nil
	}
	attempt := event.Attempts - 1
	if attempt < 0 {
		attempt = 0
	}
	at := now.Add(poller.RetryDelay(policy, attempt))
	return &at
}

// stage runs fn inside a tracing span and records its latency.
func (s *Service) stage(ctx context.Context, stage domain.Stage, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	start := time.Now()
	ctx, span := tracing.StartStage(ctx, string(stage), attribute.String("event.id", obscontext.EventIDFromContext(ctx)))
	out, err := fn(ctx)
	tracing.EndStage(span, err)
	metrics.Pipeline().ObserveStage(string(stage), time.Since(start))
	return out, err
}

// settledResult answers Submit for events the pipeline must not touch again.
func (s *Service) settledResult(event domain.ComplianceEvent) (domain.SubmitResult, bool) {
	result := domain.SubmitResult{
		EventID:    event.ID.String(),
		Status:     event.Status,
		ProtocolID: deref(event.ProtocolID),
	}
	switch event.Status {
	case domain.StatusSent:
		result.Accepted = true
		result.Message = fmt.Sprintf("event already sent, receipt %s", deref(event.ReceiptID))
	case domain.StatusRejected:
		result.Message = "event rejected by the authority: " + deref(event.ErrorMessage)
	case domain.StatusAwaitingReceipt:
		result.Accepted = true
		result.Message = "batch already accepted for processing, awaiting receipt"
	default:
		return domain.SubmitResult{}, false
	}
	return result, true
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
