package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/esocialgw/internal/clock"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/compliance/events"
	"github.com/smallbiznis/esocialgw/internal/compliance/repository"
	"github.com/smallbiznis/esocialgw/internal/config"
	obsmetrics "github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"github.com/smallbiznis/esocialgw/internal/ratelimit"
	"github.com/smallbiznis/esocialgw/internal/testsupport/dbtest"
	"github.com/smallbiznis/esocialgw/internal/transmission"
	transmissionmock "github.com/smallbiznis/esocialgw/internal/transmission/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.LifecycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event events.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.To)
	}
	return out
}

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingSubmitter) Submit(_ context.Context, id string) (domain.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	if s.err != nil {
		return domain.SubmitResult{EventID: id}, s.err
	}
	return domain.SubmitResult{EventID: id, Accepted: true, Status: domain.StatusAwaitingReceipt}, nil
}

type stubLocker struct {
	held     bool
	acquired int
	extended int
	released int
}

func (l *stubLocker) Acquire(context.Context, string, time.Duration) (ratelimit.Lease, error) {
	if l.held {
		return nil, ratelimit.ErrLockHeld
	}
	l.acquired++
	return l, nil
}

func (l *stubLocker) Extend(context.Context, time.Duration) error {
	l.extended++
	return nil
}

func (l *stubLocker) Release(context.Context) error {
	l.released++
	return nil
}

type fixture struct {
	poller    *Poller
	db        *gorm.DB
	repo      domain.Repository
	clock     *clock.FakeClock
	client    *transmissionmock.MockClient
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		db:        dbtest.Open(t),
		repo:      repository.Provide(),
		clock:     clock.NewFakeClock(now),
		client:    transmissionmock.NewMockClient(ctrl),
		publisher: &recordingPublisher{},
	}
	f.poller, err = New(Params{
		DB:        f.db,
		Log:       zap.NewNop(),
		Repo:      f.repo,
		Client:    f.client,
		Policy:    config.NewStaticPolicyHolder(config.DefaultPipelinePolicy()),
		Clock:     f.clock,
		GenID:     node,
		Notifier:  NewNotifier(),
		Publisher: f.publisher,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) insert(t *testing.T, id int64) {
	t.Helper()
	require.NoError(t, f.repo.Insert(context.Background(), f.db, &domain.ComplianceEvent{
		ID:            snowflake.ID(id),
		EventType:     domain.EventTypeAdmission,
		CompanyID:     "11222333000181",
		SubjectID:     "12345678909",
		ReferenceDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Payload:       datatypes.JSON(`{"name":"Maria"}`),
		Status:        domain.StatusPending,
		CreatedAt:     now.Add(-48 * time.Hour),
		UpdatedAt:     now.Add(-48 * time.Hour),
	}))
}

// awaiting inserts an event handed off at since with its first poll at nextPoll.
func (f *fixture) awaiting(t *testing.T, id int64, protocol string, since, nextPoll time.Time) domain.ComplianceEvent {
	t.Helper()
	f.insert(t, id)
	update := domain.NewStatusUpdate(domain.StatusAwaitingReceipt, since).
		WithXML("<eSocial/>", "digest").
		WithProtocol(protocol).
		WithAwaiting(since, nextPoll)
	ok, err := f.repo.UpdateStatus(context.Background(), f.db, snowflake.ID(id), []domain.Status{domain.StatusPending}, update)
	require.NoError(t, err)
	require.True(t, ok)
	return f.load(t, id)
}

func (f *fixture) load(t *testing.T, id int64) domain.ComplianceEvent {
	t.Helper()
	event, err := f.repo.FindByID(context.Background(), f.db, snowflake.ID(id))
	require.NoError(t, err)
	return *event
}

func TestResolveAcceptedMarksSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.awaiting(t, 1, "P-1", now.Add(-time.Hour), now)

	f.client.EXPECT().QueryStatus(gomock.Any(), "P-1").
		Return(transmission.StatusResult{State: transmission.StateAccepted, ReceiptID: "1.1.0000000000000000001"}, nil).
		Times(2)

	result, err := f.poller.Resolve(ctx, event)
	require.NoError(t, err)
	require.Equal(t, obsmetrics.PollResultAccepted, result)

	got := f.load(t, 1)
	require.Equal(t, domain.StatusSent, got.Status)
	require.NotNil(t, got.ReceiptID)
	require.Equal(t, "1.1.0000000000000000001", *got.ReceiptID)
	require.Equal(t, "P-1", *got.ProtocolID)
	require.Nil(t, got.NextPollAt)
	require.True(t, got.HasXML())

	// a second poller holding a stale copy must not settle it again
	result, err = f.poller.Resolve(ctx, event)
	require.NoError(t, err)
	require.Equal(t, obsmetrics.PollResultNoop, result)
	require.Equal(t, []string{"sent"}, f.publisher.statuses())
}

func TestResolveRejectedKeepsReasonVerbatim(t *testing.T) {
	f := newFixture(t)
	event := f.awaiting(t, 1, "P-1", now.Add(-time.Hour), now)
	reason := "1013 - CPF informado nao consta na base; 1050 - data invalida"

	f.client.EXPECT().QueryStatus(gomock.Any(), "P-1").
		Return(transmission.StatusResult{State: transmission.StateRejected, Reason: reason}, nil)

	result, err := f.poller.Resolve(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, obsmetrics.PollResultRejected, result)

	got := f.load(t, 1)
	require.Equal(t, domain.StatusRejected, got.Status)
	require.Nil(t, got.ReceiptID)
	require.NotNil(t, got.ErrorMessage)
	require.Equal(t, reason, *got.ErrorMessage)
	require.Equal(t, "P-1", *got.ProtocolID)
}

func TestResolvePendingBacksOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.awaiting(t, 1, "P-1", now.Add(-time.Minute), now)

	f.client.EXPECT().QueryStatus(gomock.Any(), "P-1").
		Return(transmission.StatusResult{State: transmission.StatePending}, nil).
		Times(3)

	result, err := f.poller.Resolve(ctx, f.load(t, 1))
	require.NoError(t, err)
	require.Equal(t, obsmetrics.PollResultPending, result)

	got := f.load(t, 1)
	require.Equal(t, domain.StatusAwaitingReceipt, got.Status)
	require.Equal(t, 1, got.PollAttempts)
	require.NotNil(t, got.NextPollAt)
	require.True(t, now.Add(30*time.Second).Equal(*got.NextPollAt))

	f.clock.Advance(30 * time.Second)
	_, err = f.poller.Resolve(ctx, got)
	require.NoError(t, err)
	got = f.load(t, 1)
	require.Equal(t, 2, got.PollAttempts)
	require.True(t, now.Add(90*time.Second).Equal(*got.NextPollAt))

	f.clock.Advance(time.Minute)
	_, err = f.poller.Resolve(ctx, got)
	require.NoError(t, err)
	got = f.load(t, 1)
	require.Equal(t, 3, got.PollAttempts)
	require.True(t, now.Add(90*time.Second+2*time.Minute).Equal(*got.NextPollAt))
	require.Empty(t, f.publisher.statuses())
}

func TestResolveTimesOutAfterMaxWait(t *testing.T) {
	f := newFixture(t)
	event := f.awaiting(t, 1, "P-1", now.Add(-25*time.Hour), now)

	f.client.EXPECT().QueryStatus(gomock.Any(), "P-1").
		Return(transmission.StatusResult{State: transmission.StatePending}, nil)

	result, err := f.poller.Resolve(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, obsmetrics.PollResultTimeout, result)

	got := f.load(t, 1)
	require.Equal(t, domain.StatusError, got.Status)
	require.Equal(t, domain.KindPollTimeout, got.Kind())
	require.False(t, got.Retryable)
	require.True(t, strings.HasPrefix(*got.ErrorMessage, "PollTimeout: "))
	require.Equal(t, "P-1", *got.ProtocolID)
	require.Nil(t, got.ReceiptID)
	require.Nil(t, got.NextPollAt)
	require.Equal(t, []string{"error"}, f.publisher.statuses())
}

func TestResolveNeverSchedulesPastTheWaitWindow(t *testing.T) {
	f := newFixture(t)
	since := now.Add(-24*time.Hour + 10*time.Second)
	event := f.awaiting(t, 1, "P-1", since, now)

	f.client.EXPECT().QueryStatus(gomock.Any(), "P-1").
		Return(transmission.StatusResult{State: transmission.StatePending}, nil)

	_, err := f.poller.Resolve(context.Background(), event)
	require.NoError(t, err)

	got := f.load(t, 1)
	require.Equal(t, domain.StatusAwaitingReceipt, got.Status)
	require.True(t, since.Add(24*time.Hour).Equal(*got.NextPollAt))
}

func TestResolveQueryFailureReschedules(t *testing.T) {
	f := newFixture(t)
	event := f.awaiting(t, 1, "P-1", now.Add(-time.Hour), now)

	f.client.EXPECT().QueryStatus(gomock.Any(), "P-1").
		Return(transmission.StatusResult{}, transmission.ErrRetryable)

	result, err := f.poller.Resolve(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, obsmetrics.PollResultError, result)

	got := f.load(t, 1)
	require.Equal(t, domain.StatusAwaitingReceipt, got.Status)
	require.Equal(t, 1, got.PollAttempts)
	require.True(t, got.NextPollAt.After(now))
}

func TestResolveIgnoresEventsNotAwaiting(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1)

	result, err := f.poller.Resolve(context.Background(), f.load(t, 1))
	require.NoError(t, err)
	require.Equal(t, obsmetrics.PollResultNoop, result)
	require.Equal(t, domain.StatusPending, f.load(t, 1).Status)
}

func TestPollReceiptsJobOnlyQueriesDueEvents(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, 1, "P-due", now.Add(-time.Hour), now.Add(-time.Second))
	f.awaiting(t, 2, "P-later", now.Add(-time.Hour), now.Add(time.Minute))

	f.client.EXPECT().QueryStatus(gomock.Any(), "P-due").
		Return(transmission.StatusResult{State: transmission.StateAccepted, ReceiptID: "R-1"}, nil)

	require.NoError(t, f.poller.PollReceiptsJob(context.Background()))

	require.Equal(t, domain.StatusSent, f.load(t, 1).Status)
	require.Equal(t, domain.StatusAwaitingReceipt, f.load(t, 2).Status)
}

func TestPollReceiptsJobSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, 1, "P-1", now.Add(-time.Hour), now.Add(-time.Second))

	// a fresh poller over the same database picks the work up again
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	restarted, err := New(Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		Repo:     f.repo,
		Client:   f.client,
		Policy:   config.NewStaticPolicyHolder(config.DefaultPipelinePolicy()),
		Clock:    f.clock,
		GenID:    node,
		Notifier: NewNotifier(),
	})
	require.NoError(t, err)

	f.client.EXPECT().QueryStatus(gomock.Any(), "P-1").
		Return(transmission.StatusResult{State: transmission.StateRejected, Reason: "invalid"}, nil)

	require.NoError(t, restarted.PollReceiptsJob(context.Background()))
	require.Equal(t, domain.StatusRejected, f.load(t, 1).Status)
}

func TestRecoverStaleProcessingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fromPending := []domain.Status{domain.StatusPending}

	f.insert(t, 1)
	ok, err := f.repo.Claim(ctx, f.db, 1, fromPending, now.Add(-20*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	f.insert(t, 2)
	ok, err = f.repo.Claim(ctx, f.db, 2, fromPending, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.poller.RecoverStaleProcessingJob(ctx))

	stale := f.load(t, 1)
	require.Equal(t, domain.StatusError, stale.Status)
	require.Equal(t, domain.KindInterrupted, stale.Kind())
	require.True(t, stale.Retryable)
	require.NotNil(t, stale.NextRetryAt)

	require.Equal(t, domain.StatusProcessing, f.load(t, 2).Status)
	require.Equal(t, []string{"error"}, f.publisher.statuses())
}

func TestRetryTransmissionsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submitter := &recordingSubmitter{}
	f.poller.submitter = submitter

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	setError := func(id int64, retryable bool, at *time.Time) {
		f.insert(t, id)
		update := domain.NewStatusUpdate(domain.StatusError, now).
			WithError(domain.KindTransmissionRetry, "TransmissionFailed:Retryable: timeout", retryable).
			WithNextRetry(at)
		ok, err := f.repo.UpdateStatus(ctx, f.db, snowflake.ID(id), []domain.Status{domain.StatusPending}, update)
		require.NoError(t, err)
		require.True(t, ok)
	}
	setError(1, true, &past)
	setError(2, true, &future)
	setError(3, false, &past)

	require.NoError(t, f.poller.RetryTransmissionsJob(ctx))
	require.Equal(t, []string{"1"}, submitter.ids)
}

func TestRetryTransmissionsJobToleratesPipelineFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submitter := &recordingSubmitter{err: &domain.PipelineError{Kind: domain.KindTransmissionRetry, Retryable: true}}
	f.poller.submitter = submitter

	f.insert(t, 1)
	update := domain.NewStatusUpdate(domain.StatusError, now).
		WithError(domain.KindTransmissionRetry, "timeout", true)
	_, err := f.repo.UpdateStatus(ctx, f.db, 1, []domain.Status{domain.StatusPending}, update)
	require.NoError(t, err)

	require.NoError(t, f.poller.RetryTransmissionsJob(ctx))

	submitter.ids = nil
	submitter.err = errors.New("database unavailable")
	require.Error(t, f.poller.RetryTransmissionsJob(ctx))
	require.Equal(t, []string{"1"}, submitter.ids)
}

func TestRetryTransmissionsJobLeavesRoomForFullSubmission(t *testing.T) {
	f := newFixture(t)
	submitter := &recordingSubmitter{}
	f.poller.submitter = submitter
	f.poller.cfg.TransmissionTimeout = time.Minute

	f.insert(t, 1)
	update := domain.NewStatusUpdate(domain.StatusError, now).
		WithError(domain.KindTransmissionRetry, "timeout", true)
	_, err := f.repo.UpdateStatus(context.Background(), f.db, 1, []domain.Status{domain.StatusPending}, update)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.poller.RetryTransmissionsJob(short))
	require.Empty(t, submitter.ids)

	long, cancelLong := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelLong()
	require.NoError(t, f.poller.RetryTransmissionsJob(long))
	require.Equal(t, []string{"1"}, submitter.ids)
}

func TestRetryTransmissionsJobDisabledByPolicy(t *testing.T) {
	f := newFixture(t)
	submitter := &recordingSubmitter{}
	f.poller.submitter = submitter

	policy := config.DefaultPipelinePolicy()
	policy.Retry.Enabled = false
	f.poller.policy = config.NewStaticPolicyHolder(policy)

	f.insert(t, 1)
	update := domain.NewStatusUpdate(domain.StatusError, now).
		WithError(domain.KindTransmissionRetry, "timeout", true)
	_, err := f.repo.UpdateStatus(context.Background(), f.db, 1, []domain.Status{domain.StatusPending}, update)
	require.NoError(t, err)

	require.NoError(t, f.poller.RetryTransmissionsJob(context.Background()))
	require.Empty(t, submitter.ids)
}

func TestRunOnceSkipsTickWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, 1, "P-1", now.Add(-time.Hour), now.Add(-time.Second))

	locker := &stubLocker{held: true}
	f.poller.locker = locker
	require.NoError(t, f.poller.RunOnce(context.Background()))
	require.Equal(t, domain.StatusAwaitingReceipt, f.load(t, 1).Status)

	locker.held = false
	f.client.EXPECT().QueryStatus(gomock.Any(), "P-1").
		Return(transmission.StatusResult{State: transmission.StateAccepted, ReceiptID: "R-1"}, nil)
	require.NoError(t, f.poller.RunOnce(context.Background()))
	require.Equal(t, domain.StatusSent, f.load(t, 1).Status)
	require.Equal(t, 1, locker.acquired)
	require.Equal(t, 3, locker.extended)
	require.Equal(t, 1, locker.released)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, 1, "P-1", now.Add(-time.Hour), now.Add(-time.Second))
	f.poller.cfg.EnabledJobs = []string{JobRecoverProcessing}

	// poll_receipts disabled: the mock fails the test on any query
	require.NoError(t, f.poller.RunOnce(context.Background()))
	require.True(t, f.poller.isJobEnabled("RECOVER_STALE_PROCESSING"))
	require.False(t, f.poller.isJobEnabled(JobPollReceipts))
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	f := newFixture(t)
	err := f.poller.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	err = f.poller.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "failing_job: boom")
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewRejectsStaleThresholdWithinTransmissionTimeout(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	policy := config.DefaultPipelinePolicy()
	policy.StaleProcessingAfter = time.Minute

	params := Params{
		DB:     dbtest.Open(t),
		Log:    zap.NewNop(),
		Repo:   repository.Provide(),
		Client: transmissionmock.NewMockClient(gomock.NewController(t)),
		Policy: config.NewStaticPolicyHolder(policy),
		Clock:  clock.NewFakeClock(now),
		GenID:  node,
		Config: Config{TransmissionTimeout: time.Minute},
	}
	_, err = New(params)
	require.ErrorIs(t, err, ErrInvalidConfig)

	params.Config.TransmissionTimeout = 30 * time.Second
	_, err = New(params)
	require.NoError(t, err)
}
