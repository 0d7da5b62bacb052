package service

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/esocialgw/internal/batch"
	"github.com/smallbiznis/esocialgw/internal/clock"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/compliance/events"
	"github.com/smallbiznis/esocialgw/internal/compliance/repository"
	"github.com/smallbiznis/esocialgw/internal/config"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"github.com/smallbiznis/esocialgw/internal/signer"
	"github.com/smallbiznis/esocialgw/internal/testsupport/certtest"
	"github.com/smallbiznis/esocialgw/internal/testsupport/dbtest"
	"github.com/smallbiznis/esocialgw/internal/transmission"
	transmissionmock "github.com/smallbiznis/esocialgw/internal/transmission/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	companyID = "11222333000181"
	subjectID = "12345678909"
	protocol  = "1.2.202603.0000000000000000001"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

const admissionPayload = `{
	"name": "Maria Silva",
	"birth_date": "1990-05-17",
	"sex": "F",
	"registration": "MAT-001",
	"job_title": "Analista",
	"cbo": "252105",
	"salary": "4500.00"
}`

type countingStore struct {
	*secretstore.MemoryStore

	mu      sync.Mutex
	fetches int
	err     error
}

func (s *countingStore) Fetch(ctx context.Context, companyID string) (secretstore.Credential, error) {
	s.mu.Lock()
	s.fetches++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return secretstore.Credential{}, err
	}
	return s.MemoryStore.Fetch(ctx, companyID)
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type recordingTracker struct {
	mu  sync.Mutex
	ids []snowflake.ID
}

func (r *recordingTracker) Track(id snowflake.ID) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

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

type fixture struct {
	svc       *Service
	db        *gorm.DB
	repo      domain.Repository
	clock     *clock.FakeClock
	client    *transmissionmock.MockClient
	secrets   *countingStore
	tracker   *recordingTracker
	publisher *recordingPublisher
	cert      *x509.Certificate
	password  string
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
		secrets:   &countingStore{MemoryStore: secretstore.NewMemoryStore()},
		tracker:   &recordingTracker{},
		publisher: &recordingPublisher{},
		password:  "s3cr3t-pfx",
	}
	svc := New(Params{
		DB:        f.db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      f.repo,
		Builder:   batch.New(batch.Options{Environment: 2}),
		Signer:    signer.New(),
		Secrets:   f.secrets,
		Client:    f.client,
		Policy:    config.NewStaticPolicyHolder(config.DefaultPipelinePolicy()),
		Clock:     f.clock,
		Config:    config.Config{ESocial: config.ESocialConfig{Adapter: "test", Environment: 2}},
		Tracker:   f.tracker,
		Publisher: f.publisher,
	})
	f.svc = svc.(*Service)
	return f
}

func (f *fixture) provision(t *testing.T) {
	t.Helper()
	credential, cert := certtest.IssueValid(t, f.password)
	require.NoError(t, f.secrets.Upsert(context.Background(), companyID, credential))
	f.cert = cert
}

func (f *fixture) create(t *testing.T, payload string) string {
	t.Helper()
	resp, err := f.svc.Create(context.Background(), domain.CreateEventRequest{
		EventType:     string(domain.EventTypeAdmission),
		CompanyID:     companyID,
		SubjectID:     subjectID,
		ReferenceDate: "2026-03-01",
		Payload:       json.RawMessage(payload),
	})
	require.NoError(t, err)
	return resp.ID
}

func (f *fixture) load(t *testing.T, id string) *domain.ComplianceEvent {
	t.Helper()
	eventID, err := snowflake.ParseString(id)
	require.NoError(t, err)
	event, err := f.repo.FindByID(context.Background(), f.db, eventID)
	require.NoError(t, err)
	return event
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) *domain.PipelineError {
	t.Helper()
	var pipelineErr *domain.PipelineError
	require.ErrorAs(t, err, &pipelineErr)
	require.Equal(t, kind, pipelineErr.Kind)
	return pipelineErr
}

func TestSubmitHandsOffToPoller(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)

	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, signed []byte) (string, error) {
			require.NoError(t, signer.Verify(signed, f.cert))
			return protocol, nil
		})

	result, err := f.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, domain.StatusAwaitingReceipt, result.Status)
	assert.Equal(t, protocol, result.ProtocolID)

	event := f.load(t, id)
	assert.Equal(t, domain.StatusAwaitingReceipt, event.Status)
	require.NotNil(t, event.ProtocolID)
	assert.Equal(t, protocol, *event.ProtocolID)
	assert.Nil(t, event.ReceiptID)
	assert.True(t, event.HasXML())
	assert.Equal(t, 1, event.Attempts)
	require.NotNil(t, event.NextPollAt)
	assert.True(t, event.NextPollAt.Equal(now.Add(30*time.Second)))
	require.NotNil(t, event.AwaitingSince)
	assert.True(t, event.AwaitingSince.Equal(now))

	assert.Equal(t, []snowflake.ID{event.ID}, f.tracker.ids)
	assert.Equal(t, []string{"pending", "processing", "awaiting_receipt"}, f.publisher.statuses())
}

func TestSubmitRecordsProtocolWhenCallerGoesAway(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, []byte) (string, error) {
			cancel()
			return protocol, nil
		})

	result, err := f.svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, protocol, result.ProtocolID)

	event := f.load(t, id)
	assert.Equal(t, domain.StatusAwaitingReceipt, event.Status)
	require.NotNil(t, event.ProtocolID)
	assert.Equal(t, protocol, *event.ProtocolID)
	assert.True(t, event.HasXML())
}

func TestSubmitRecordsTransmitFailureWhenCallerGoesAway(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ []byte) (string, error) {
			cancel()
			return "", ctx.Err()
		})

	_, err := f.svc.Submit(ctx, id)
	requireKind(t, err, domain.KindTransmissionRetry)

	event := f.load(t, id)
	assert.Equal(t, domain.StatusError, event.Status)
	assert.True(t, event.Retryable)
	assert.Equal(t, domain.KindTransmissionRetry, event.Kind())
	assert.Nil(t, event.ProtocolID)
}

func TestSubmitMissingCredential(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, admissionPayload)

	result, err := f.svc.Submit(context.Background(), id)
	pipelineErr := requireKind(t, err, domain.KindSecretNotFound)
	assert.Equal(t, domain.StageCredential, pipelineErr.Stage)
	assert.False(t, result.Accepted)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, domain.KindSecretNotFound, result.Kind)
	assert.False(t, result.Retryable)

	event := f.load(t, id)
	assert.Equal(t, domain.StatusError, event.Status)
	assert.Equal(t, domain.KindSecretNotFound, event.Kind())
	assert.False(t, event.Retryable)
	assert.Nil(t, event.NextRetryAt)
	assert.False(t, event.HasXML())
	require.NotNil(t, event.ErrorMessage)
	assert.Contains(t, *event.ErrorMessage, "SecretNotFound")
}

func TestSubmitRedactsSecretsFromErrors(t *testing.T) {
	f := newFixture(t)
	f.secrets.err = fmt.Errorf("%w: backend rejected password=hunter2", secretstore.ErrSecretUnavailable)
	id := f.create(t, admissionPayload)

	result, err := f.svc.Submit(context.Background(), id)
	requireKind(t, err, domain.KindSecretUnavailable)
	assert.NotContains(t, result.Message, "hunter2")

	event := f.load(t, id)
	require.NotNil(t, event.ErrorMessage)
	assert.NotContains(t, *event.ErrorMessage, "hunter2")
	assert.Contains(t, *event.ErrorMessage, "****")
}

func TestSubmitWrongCertificatePassword(t *testing.T) {
	f := newFixture(t)
	credential, _ := certtest.IssueValid(t, "right-password")
	credential.Password = "wrong-password"
	require.NoError(t, f.secrets.Upsert(context.Background(), companyID, credential))
	id := f.create(t, admissionPayload)

	result, err := f.svc.Submit(context.Background(), id)
	requireKind(t, err, domain.KindInvalidCredential)
	assert.NotContains(t, result.Message, "wrong-password")
	assert.Equal(t, domain.StatusError, f.load(t, id).Status)
}

func TestSubmitRetryReusesSignedBatch(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)

	var first []byte
	gomock.InOrder(
		f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, signed []byte) (string, error) {
				first = append([]byte(nil), signed...)
				return "", fmt.Errorf("%w: read timeout", transmission.ErrRetryable)
			}),
		f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, signed []byte) (string, error) {
				assert.True(t, bytes.Equal(first, signed))
				return protocol, nil
			}),
	)

	result, err := f.svc.Submit(context.Background(), id)
	requireKind(t, err, domain.KindTransmissionRetry)
	assert.True(t, result.Retryable)

	failed := f.load(t, id)
	assert.Equal(t, domain.StatusError, failed.Status)
	assert.True(t, failed.Retryable)
	assert.True(t, failed.HasXML())
	require.NotNil(t, failed.NextRetryAt)
	assert.True(t, failed.NextRetryAt.Equal(now.Add(time.Minute)))

	f.clock.Advance(time.Minute)
	result, err = f.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, 1, f.secrets.count())

	event := f.load(t, id)
	assert.Equal(t, domain.StatusAwaitingReceipt, event.Status)
	assert.Equal(t, 2, event.Attempts)
	assert.Nil(t, event.ErrorMessage)
	assert.Nil(t, event.NextRetryAt)
	assert.False(t, event.Retryable)
}

func TestSubmitResignsAfterPayloadCorrection(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)

	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return("", fmt.Errorf("%w: 503", transmission.ErrRetryable))
	_, err := f.svc.Submit(context.Background(), id)
	requireKind(t, err, domain.KindTransmissionRetry)
	before := f.load(t, id)

	corrected := bytes.Replace([]byte(admissionPayload), []byte("Analista"), []byte("Gerente"), 1)
	_, err = f.svc.UpdatePayload(context.Background(), id, corrected)
	require.NoError(t, err)

	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, signed []byte) (string, error) {
			assert.Contains(t, string(signed), "Gerente")
			return protocol, nil
		})
	_, err = f.svc.Submit(context.Background(), id)
	require.NoError(t, err)

	after := f.load(t, id)
	assert.Equal(t, 2, f.secrets.count())
	assert.NotEqual(t, *before.PayloadDigest, *after.PayloadDigest)
}

func TestSubmitClassifiesTransmissionFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      domain.ErrorKind
		retryable bool
	}{
		{"rejected batch", fmt.Errorf("%w: 402 schema violation", transmission.ErrServiceRejectedBatch), domain.KindServiceRejectedBatch, false},
		{"fatal", fmt.Errorf("%w: soap client fault", transmission.ErrFatal), domain.KindTransmissionFatal, false},
		{"retryable", fmt.Errorf("%w: 502", transmission.ErrRetryable), domain.KindTransmissionRetry, true},
		{"deadline", context.DeadlineExceeded, domain.KindTransmissionRetry, true},
		{"unclassified", errors.New("boom"), domain.KindTransmissionFatal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provision(t)
			id := f.create(t, admissionPayload)
			f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("", tt.err)

			result, err := f.svc.Submit(context.Background(), id)
			pipelineErr := requireKind(t, err, tt.kind)
			assert.Equal(t, domain.StageTransmit, pipelineErr.Stage)
			assert.Equal(t, tt.retryable, result.Retryable)

			event := f.load(t, id)
			assert.Equal(t, domain.StatusError, event.Status)
			assert.Equal(t, tt.retryable, event.Retryable)
			assert.Equal(t, tt.retryable, event.NextRetryAt != nil)
			assert.Nil(t, event.ProtocolID)
		})
	}
}

func TestSubmitMalformedPayload(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, `{"name":"Maria Silva"}`)

	result, err := f.svc.Submit(context.Background(), id)
	pipelineErr := requireKind(t, err, domain.KindMalformedPayload)
	assert.Equal(t, domain.StageBuild, pipelineErr.Stage)
	assert.Contains(t, result.Message, "birth_date")
	assert.Equal(t, 0, f.secrets.count())
}

func TestSubmitUnsupportedEventType(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.Insert(context.Background(), f.db, &domain.ComplianceEvent{
		ID:            snowflake.ID(42),
		EventType:     "vacation",
		CompanyID:     companyID,
		SubjectID:     subjectID,
		ReferenceDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Payload:       datatypes.JSON(`{}`),
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	_, err := f.svc.Submit(context.Background(), "42")
	requireKind(t, err, domain.KindUnsupportedEventType)
}

func TestSubmitSettledEventsAreNoops(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)
	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(protocol, nil).Times(1)

	_, err := f.svc.Submit(context.Background(), id)
	require.NoError(t, err)

	result, err := f.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, domain.StatusAwaitingReceipt, result.Status)
	assert.Equal(t, protocol, result.ProtocolID)

	event := f.load(t, id)
	update := domain.NewStatusUpdate(domain.StatusSent, now).WithReceipt("1.202603.0001").ClearPoll()
	ok, err := f.repo.UpdateStatus(context.Background(), f.db, event.ID, []domain.Status{domain.StatusAwaitingReceipt}, update)
	require.NoError(t, err)
	require.True(t, ok)

	result, err = f.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, result.Status)
	assert.Contains(t, result.Message, "1.202603.0001")
	assert.Equal(t, 1, f.load(t, id).Attempts)
}

func TestSubmitConcurrentCallsTransmitOnce(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)
	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, []byte) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return protocol, nil
		}).Times(1)

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), id)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrSubmissionInProgress)
		}
	}
	event := f.load(t, id)
	assert.Equal(t, domain.StatusAwaitingReceipt, event.Status)
	assert.Equal(t, 1, event.Attempts)
}

// pollTimedOut moves a freshly created event to the state the poller leaves
// behind when the receipt never arrives.
func (f *fixture) pollTimedOut(t *testing.T, id string) {
	t.Helper()
	event := f.load(t, id)
	update := domain.NewStatusUpdate(domain.StatusError, now).
		WithProtocol(protocol).
		WithXML("<eSocial/>", "digest").
		WithError(domain.KindPollTimeout, "PollTimeout: no final status", false)
	ok, err := f.repo.UpdateStatus(context.Background(), f.db, event.ID, []domain.Status{domain.StatusPending}, update)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubmitRefusesResubmitAfterPollTimeout(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, admissionPayload)
	f.pollTimedOut(t, id)

	result, err := f.svc.Submit(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrResubmitNotAllowed)
	assert.Equal(t, domain.KindPollTimeout, result.Kind)
	assert.Equal(t, protocol, result.ProtocolID)
	assert.Equal(t, domain.StatusError, f.load(t, id).Status)
}

func TestRequeryReopensPolling(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, admissionPayload)

	_, err := f.svc.Requery(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrRequeryNotAllowed)

	f.pollTimedOut(t, id)
	f.clock.Advance(time.Hour)
	resp, err := f.svc.Requery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusAwaitingReceipt), resp.Status)
	assert.Equal(t, protocol, resp.ProtocolID)
	assert.Empty(t, resp.ErrorKind)

	event := f.load(t, id)
	assert.Equal(t, 0, event.PollAttempts)
	require.NotNil(t, event.AwaitingSince)
	assert.True(t, event.AwaitingSince.Equal(now.Add(time.Hour)))
	assert.Len(t, f.tracker.ids, 1)
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t)
	valid := domain.CreateEventRequest{
		EventType:     "admission",
		CompanyID:     companyID,
		SubjectID:     subjectID,
		ReferenceDate: "2026-03-01",
		Payload:       json.RawMessage(admissionPayload),
	}

	tests := []struct {
		name   string
		mutate func(*domain.CreateEventRequest)
		want   error
	}{
		{"unknown type", func(r *domain.CreateEventRequest) { r.EventType = "vacation" }, domain.ErrInvalidEventType},
		{"short company", func(r *domain.CreateEventRequest) { r.CompanyID = "1122233300018" }, domain.ErrInvalidCompany},
		{"formatted subject", func(r *domain.CreateEventRequest) { r.SubjectID = "123.456.789-09" }, domain.ErrInvalidSubject},
		{"bad date", func(r *domain.CreateEventRequest) { r.ReferenceDate = "01/03/2026" }, domain.ErrInvalidReferenceDate},
		{"array payload", func(r *domain.CreateEventRequest) { r.Payload = json.RawMessage(`[1]`) }, domain.ErrInvalidPayload},
		{"empty payload", func(r *domain.CreateEventRequest) { r.Payload = nil }, domain.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.svc.Create(context.Background(), req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	resp, err := f.svc.Create(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusPending), resp.Status)
	assert.False(t, resp.HasXML)
	assert.JSONEq(t, admissionPayload, string(resp.Payload))
}

func TestListByCompanyPaginates(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.create(t, admissionPayload))
	}

	page, err := f.svc.ListByCompany(context.Background(), domain.ListEventsRequest{CompanyID: companyID, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, ids[4], page.Events[0].ID)
	assert.Equal(t, ids[3], page.Events[1].ID)

	var seen []string
	for _, event := range page.Events {
		seen = append(seen, event.ID)
	}
	for page.HasMore {
		page, err = f.svc.ListByCompany(context.Background(), domain.ListEventsRequest{
			CompanyID: companyID,
			PageSize:  2,
			PageToken: page.NextPageToken,
		})
		require.NoError(t, err)
		for _, event := range page.Events {
			seen = append(seen, event.ID)
		}
	}
	assert.Equal(t, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)

	_, err = f.svc.ListByCompany(context.Background(), domain.ListEventsRequest{CompanyID: "acme"})
	require.ErrorIs(t, err, domain.ErrInvalidCompany)
	_, err = f.svc.ListByCompany(context.Background(), domain.ListEventsRequest{CompanyID: companyID, PageToken: "%%"})
	require.ErrorIs(t, err, domain.ErrInvalidEventID)
}

func TestUpdatePayloadOnlyBeforeHandOff(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)

	resp, err := f.svc.UpdatePayload(context.Background(), id, json.RawMessage(`{"name":"Maria"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Maria"}`, string(resp.Payload))

	_, err = f.svc.UpdatePayload(context.Background(), id, json.RawMessage(admissionPayload))
	require.NoError(t, err)

	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(protocol, nil)
	_, err = f.svc.Submit(context.Background(), id)
	require.NoError(t, err)

	_, err = f.svc.UpdatePayload(context.Background(), id, json.RawMessage(`{"name":"Other"}`))
	require.ErrorIs(t, err, domain.ErrEventNotEditable)

	_, err = f.svc.UpdatePayload(context.Background(), "not-an-id", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrInvalidEventID)
}

func TestSignedXMLAndReceipt(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	id := f.create(t, admissionPayload)

	_, err := f.svc.SignedXML(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrXMLUnavailable)
	_, err = f.svc.ReceiptPDF(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrReceiptUnavailable)

	f.client.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(protocol, nil)
	_, err = f.svc.Submit(context.Background(), id)
	require.NoError(t, err)

	signed, err := f.svc.SignedXML(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, signer.Verify(signed, f.cert))

	event := f.load(t, id)
	update := domain.NewStatusUpdate(domain.StatusSent, now).WithReceipt("1.202603.0001").ClearPoll()
	_, err = f.repo.UpdateStatus(context.Background(), f.db, event.ID, []domain.Status{domain.StatusAwaitingReceipt}, update)
	require.NoError(t, err)

	receipt, err := f.svc.ReceiptPDF(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(receipt, []byte("%PDF-")))

	_, err = f.svc.Get(context.Background(), "999")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
