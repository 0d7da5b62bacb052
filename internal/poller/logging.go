package poller

import (
	"context"
	"time"

	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	obscontext "github.com/smallbiznis/esocialgw/internal/observability/context"
	obslogger "github.com/smallbiznis/esocialgw/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (p *Poller) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     p.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "poller")
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

// withEventContext scopes ctx to one compliance event for log correlation.
func withEventContext(ctx context.Context, event domain.ComplianceEvent) context.Context {
	ctx = obscontext.WithCompanyID(ctx, event.CompanyID)
	return obscontext.WithEventID(ctx, event.ID.String())
}

func (p *Poller) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, p.log)
}

func (p *Poller) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	p.logger(ctx).Info("poller.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (p *Poller) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := p.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("poller.job.finish", fields...)
		return
	}
	log.Info("poller.job.finish", fields...)
}

func (p *Poller) logJobError(ctx context.Context, msg string, event domain.ComplianceEvent, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run := jobRunFromContext(ctx); run != nil {
		run.IncError()
	}
	ctx = withEventContext(ctx, event)
	baseFields := []zap.Field{
		zap.String("status", string(event.Status)),
		zap.String("error_type", obsmetrics.ClassifyPollerJobReason(err)),
		zap.Error(err),
	}
	p.logger(ctx).Error(msg, append(baseFields, fields...)...)
}
