package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/esocialgw/internal/clock"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/compliance/events"
	"github.com/smallbiznis/esocialgw/internal/config"
	obsmetrics "github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"github.com/smallbiznis/esocialgw/internal/ratelimit"
	"github.com/smallbiznis/esocialgw/internal/transmission"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobPollReceipts      = "poll_receipts"
	JobRetrySubmissions  = "retry_transmissions"
	JobRecoverProcessing = "recover_stale_processing"

	tickLockName = "poller.tick"
)

var ErrInvalidConfig = errors.New("invalid_poller_config")

// Submitter resubmits an event through the full pipeline.
type Submitter interface {
	Submit(ctx context.Context, id string) (domain.SubmitResult, error)
}

// TickLocker keeps concurrent replicas from running the same tick.
type TickLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (ratelimit.Lease, error)
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      domain.Repository
	Client    transmission.Client
	Policy    *config.PolicyHolder
	Clock     clock.Clock
	GenID     *snowflake.Node
	Notifier  *Notifier
	Config    Config            `optional:"true"`
	Submitter Submitter         `optional:"true"`
	Publisher events.Publisher  `optional:"true"`
	Locker    *ratelimit.Locker `optional:"true"`
}

type Poller struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	repo      domain.Repository
	client    transmission.Client
	policy    *config.PolicyHolder
	clock     clock.Clock
	genID     *snowflake.Node
	notifier  *Notifier
	submitter Submitter
	publisher events.Publisher
	locker    TickLocker
}

func New(p Params) (*Poller, error) {
	if p.DB == nil || p.Log == nil || p.Repo == nil || p.Client == nil || p.Policy == nil || p.Clock == nil || p.GenID == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	if stale := p.Policy.Get().StaleProcessingAfter; cfg.TransmissionTimeout > 0 && stale <= cfg.TransmissionTimeout {
		return nil, fmt.Errorf("%w: staleProcessingAfter %s must exceed the transmission timeout %s",
			ErrInvalidConfig, stale, cfg.TransmissionTimeout)
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	poller := &Poller{
		db:        p.DB,
		log:       p.Log.Named("poller").With(zap.String("component", "poller")),
		cfg:       cfg,
		repo:      p.Repo,
		client:    p.Client,
		policy:    p.Policy,
		clock:     p.Clock,
		genID:     p.GenID,
		notifier:  p.Notifier,
		submitter: p.Submitter,
		publisher: publisher,
	}
	if p.Locker != nil {
		poller.locker = p.Locker
	}
	return poller, nil
}

func (p *Poller) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := p.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := p.ensureJobRun(ctx, name, batchSize)
	if owner {
		p.logJobStart(ctx, run)
	}
	log := p.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	pollerMetrics := obsmetrics.Poller()
	pollerMetrics.IncJobRun(name)

	err := fn(ctx)
	pollerMetrics.ObserveJobDuration(name, p.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		p.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; unfinished work is picked up next tick
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		pollerMetrics.IncJobTimeout(name)
	}
	pollerMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job a single time.
func (p *Poller) RunOnce(parent context.Context) error {
	var lease ratelimit.Lease
	if p.locker != nil {
		acquired, err := p.locker.Acquire(parent, tickLockName, p.cfg.LockTTL)
		switch {
		case errors.Is(err, ratelimit.ErrLockHeld):
			obsmetrics.Poller().IncBatchDeferred("tick", obsmetrics.PollerBatchDeferredReasonLockHeld)
			return nil
		case err != nil:
			p.log.Warn("poller lock unavailable, running unlocked", zap.Error(err))
		default:
			lease = acquired
			defer func() {
				if err := lease.Release(context.Background()); err != nil {
					p.log.Warn("poller lock release failed", zap.Error(err))
				}
			}()
		}
	}

	var err error
	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobRecoverProcessing, p.isJobEnabled(JobRecoverProcessing), func(ctx context.Context) error {
			return p.runJob(ctx, JobRecoverProcessing, p.cfg.BatchSize, p.cfg.JobTimeout, p.RecoverStaleProcessingJob)
		}},
		{JobPollReceipts, p.isJobEnabled(JobPollReceipts), func(ctx context.Context) error {
			return p.runJob(ctx, JobPollReceipts, p.cfg.BatchSize, p.cfg.JobTimeout, p.PollReceiptsJob)
		}},
		{JobRetrySubmissions, p.isJobEnabled(JobRetrySubmissions), func(ctx context.Context) error {
			return p.runJob(ctx, JobRetrySubmissions, p.cfg.BatchSize, p.cfg.retryJobTimeout(), p.RetryTransmissionsJob)
		}},
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		err = errors.Join(err, job.Run(parent))
		if lease != nil {
			if extendErr := lease.Extend(parent, p.cfg.LockTTL); extendErr != nil {
				// another replica may take over the remaining jobs
				p.log.Warn("poller lock extend failed", zap.String("after_job", job.Name), zap.Error(extendErr))
			}
		}
	}
	return err
}

// RunForever ticks until ctx is cancelled. A Track signal schedules one
// extra run once the first poll of the handed-off event is due.
func (p *Poller) RunForever(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(p.cfg.RunInterval)
	pollerMetrics := obsmetrics.Poller()

	var followUp <-chan time.Time
	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			pollerMetrics.ObserveRunLoopLag(runLag)
		}
		if err := p.RunOnce(ctx); err != nil {
			p.log.Warn("poller run failed", zap.Error(err))
		}
		nextRun = time.Now().Add(p.cfg.RunInterval)

		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				waiting = false
			case <-followUp:
				followUp = nil
				waiting = false
			case <-p.notifier.C():
				if followUp == nil {
					followUp = time.After(p.policy.Get().Poll.InitialInterval)
				}
			}
		}
	}
}

func (p *Poller) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(p.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range p.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
