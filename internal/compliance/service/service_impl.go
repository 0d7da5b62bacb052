package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/esocialgw/internal/batch"
	"github.com/smallbiznis/esocialgw/internal/clock"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/compliance/events"
	"github.com/smallbiznis/esocialgw/internal/config"
	obslogger "github.com/smallbiznis/esocialgw/internal/observability/logger"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"github.com/smallbiznis/esocialgw/internal/providers/pdf"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"github.com/smallbiznis/esocialgw/internal/signer"
	"github.com/smallbiznis/esocialgw/internal/transmission"
	"github.com/smallbiznis/esocialgw/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const referenceDateLayout = "2006-01-02"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Builder *batch.Builder
	Signer  *signer.Signer
	Secrets secretstore.Store
	Client  transmission.Client
	Policy  *config.PolicyHolder
	Clock   clock.Clock
	Config  config.Config

	Tracker   domain.ReceiptTracker `optional:"true"`
	Publisher events.Publisher      `optional:"true"`
	Receipts  pdf.Provider          `optional:"true"`
	Metrics   *metrics.Metrics      `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	builder   *batch.Builder
	signer    *signer.Signer
	secrets   secretstore.Store
	client    transmission.Client
	policy    *config.PolicyHolder
	clock     clock.Clock
	tracker   domain.ReceiptTracker
	publisher events.Publisher
	receipts  pdf.Provider
	metrics   *metrics.Metrics
	adapter   string
	env       int
}

func New(p Params) domain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	receipts := p.Receipts
	if receipts == nil {
		receipts = pdf.New()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("compliance.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		builder:   p.Builder,
		signer:    p.Signer,
		secrets:   p.Secrets,
		client:    p.Client,
		policy:    p.Policy,
		clock:     p.Clock,
		tracker:   p.Tracker,
		publisher: publisher,
		receipts:  receipts,
		metrics:   p.Metrics,
		adapter:   p.Config.ESocial.Adapter,
		env:       p.Config.ESocial.Environment,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateEventRequest) (*domain.EventResponse, error) {
	eventType := domain.EventType(strings.TrimSpace(req.EventType))
	if eventType == "" || !s.builder.Supports(eventType) {
		return nil, domain.ErrInvalidEventType
	}
	companyID := strings.TrimSpace(req.CompanyID)
	if !isDigits(companyID, 14) {
		return nil, domain.ErrInvalidCompany
	}
	subjectID := strings.TrimSpace(req.SubjectID)
	if !isDigits(subjectID, 11) {
		return nil, domain.ErrInvalidSubject
	}
	referenceDate, err := time.Parse(referenceDateLayout, strings.TrimSpace(req.ReferenceDate))
	if err != nil {
		return nil, domain.ErrInvalidReferenceDate
	}
	payload, err := normalizePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	event := domain.ComplianceEvent{
		ID:            s.genID.Generate(),
		EventType:     eventType,
		CompanyID:     companyID,
		SubjectID:     subjectID,
		ReferenceDate: referenceDate,
		Payload:       payload,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, &event); err != nil {
		return nil, err
	}

	obslogger.WithEvent(s.logger(ctx), event.ID.String(), companyID, string(eventType)).
		Info("compliance event created")
	s.publish(ctx, event, "")
	return toResponse(event), nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.EventResponse, error) {
	event, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return toResponse(*event), nil
}

func (s *Service) ListByCompany(ctx context.Context, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	companyID := strings.TrimSpace(req.CompanyID)
	if !isDigits(companyID, 14) {
		return domain.ListEventsResponse{}, domain.ErrInvalidCompany
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	var afterID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListEventsResponse{}, domain.ErrInvalidEventID
		}
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListEventsResponse{}, domain.ErrInvalidEventID
		}
	}

	items, err := s.repo.ListByCompany(ctx, s.db, companyID, afterID, pageSize+1)
	if err != nil {
		return domain.ListEventsResponse{}, err
	}
	items, pageInfo := pagination.Trim(items, pageSize, func(event domain.ComplianceEvent) string {
		return event.ID.String()
	})

	resp := domain.ListEventsResponse{
		Events:        make([]domain.EventResponse, 0, len(items)),
		NextPageToken: pageInfo.NextPageToken,
		HasMore:       pageInfo.HasMore,
	}
	for _, item := range items {
		resp.Events = append(resp.Events, *toResponse(item))
	}
	return resp, nil
}

// UpdatePayload corrects the payload of an event that has not been accepted
// for processing yet. The next Submit rebuilds and re-signs the batch.
func (s *Service) UpdatePayload(ctx context.Context, id string, raw json.RawMessage) (*domain.EventResponse, error) {
	eventID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	payload, err := normalizePayload(raw)
	if err != nil {
		return nil, err
	}

	ok, err := s.repo.UpdatePayload(ctx, s.db, eventID, payload, s.clock.Now())
	if err != nil {
		return nil, err
	}
	event, err := s.repo.FindByID(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrEventNotEditable
	}
	return toResponse(*event), nil
}

// Requery reopens status polling for an event whose poll window expired.
// The batch is never resubmitted: the authority may already hold it.
func (s *Service) Requery(ctx context.Context, id string) (*domain.EventResponse, error) {
	event, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Status != domain.StatusError || event.Kind() != domain.KindPollTimeout || event.ProtocolID == nil {
		return nil, domain.ErrRequeryNotAllowed
	}

	now := s.clock.Now()
	update := domain.NewStatusUpdate(domain.StatusAwaitingReceipt, now).
		ClearError().
		WithAwaiting(now, now)
	ok, err := s.repo.UpdateStatus(ctx, s.db, event.ID, []domain.Status{domain.StatusError}, update)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrRequeryNotAllowed
	}
	metrics.Pipeline().IncTransition(string(domain.StatusError), string(domain.StatusAwaitingReceipt))

	updated, err := s.repo.FindByID(ctx, s.db, event.ID)
	if err != nil {
		return nil, err
	}
	s.logger(ctx).Info("status polling reopened", zap.String("protocol_id", *updated.ProtocolID))
	s.publish(ctx, *updated, domain.StatusError)
	if s.tracker != nil {
		s.tracker.Track(updated.ID)
	}
	return toResponse(*updated), nil
}

func (s *Service) SignedXML(ctx context.Context, id string) ([]byte, error) {
	event, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !event.HasXML() {
		return nil, domain.ErrXMLUnavailable
	}
	return []byte(*event.XMLContent), nil
}

func (s *Service) ReceiptPDF(ctx context.Context, id string) ([]byte, error) {
	event, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Status != domain.StatusSent || event.ReceiptID == nil || event.ProtocolID == nil {
		return nil, domain.ErrReceiptUnavailable
	}

	reader, err := s.receipts.GenerateReceipt(ctx, pdf.ReceiptData{
		EventID:       event.ID.String(),
		EventType:     string(event.EventType),
		EventCode:     s.builder.Code(event.EventType),
		CompanyID:     event.CompanyID,
		SubjectID:     event.SubjectID,
		ReferenceDate: event.ReferenceDate.UTC().Format(referenceDateLayout),
		ProtocolID:    *event.ProtocolID,
		ReceiptID:     *event.ReceiptID,
		SettledAt:     event.UpdatedAt.UTC().Format(time.RFC3339),
		Environment:   environmentName(s.env),
	})
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}

func (s *Service) load(ctx context.Context, id string) (*domain.ComplianceEvent, error) {
	eventID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, s.db, eventID)
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// publish announces a transition; delivery failures never fail the pipeline.
func (s *Service) publish(ctx context.Context, event domain.ComplianceEvent, from domain.Status) {
	if err := s.publisher.Publish(ctx, events.NewLifecycleEvent(event, from, s.clock.Now())); err != nil {
		s.logger(ctx).Warn("lifecycle notification failed",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
}

func parseID(id string) (snowflake.ID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, domain.ErrInvalidEventID
	}
	parsed, err := snowflake.ParseString(id)
	if err != nil || parsed <= 0 {
		return 0, domain.ErrInvalidEventID
	}
	return parsed, nil
}

func normalizePayload(raw json.RawMessage) (datatypes.JSON, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, domain.ErrInvalidPayload
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return datatypes.JSON(buf.Bytes()), nil
}

func isDigits(value string, length int) bool {
	if len(value) != length {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func environmentName(tpAmb int) string {
	switch tpAmb {
	case 1:
		return "production"
	case 2:
		return "restricted production"
	default:
		return "environment " + strconv.Itoa(tpAmb)
	}
}

func toResponse(event domain.ComplianceEvent) *domain.EventResponse {
	resp := &domain.EventResponse{
		ID:            event.ID.String(),
		EventType:     string(event.EventType),
		CompanyID:     event.CompanyID,
		SubjectID:     event.SubjectID,
		ReferenceDate: event.ReferenceDate.UTC().Format(referenceDateLayout),
		Payload:       json.RawMessage(event.Payload),
		Status:        string(event.Status),
		HasXML:        event.HasXML(),
		ErrorKind:     string(event.Kind()),
		Retryable:     event.Retryable,
		Attempts:      event.Attempts,
		CreatedAt:     event.CreatedAt,
		UpdatedAt:     event.UpdatedAt,
	}
	if event.ProtocolID != nil {
		resp.ProtocolID = *event.ProtocolID
	}
	if event.ReceiptID != nil {
		resp.ReceiptID = *event.ReceiptID
	}
	if event.ErrorMessage != nil {
		resp.ErrorMessage = *event.ErrorMessage
	}
	return resp
}
