package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *ComplianceEvent) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ComplianceEvent, error)
	ListByCompany(ctx context.Context, db *gorm.DB, companyID string, afterID snowflake.ID, limit int) ([]ComplianceEvent, error)

	// Claim moves an event from one of the given statuses to processing.
	// It reports false when another caller already holds the event.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, now time.Time) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, update *StatusUpdate) (bool, error)
	UpdatePayload(ctx context.Context, db *gorm.DB, id snowflake.ID, payload datatypes.JSON, now time.Time) (bool, error)

	ClaimDueForPolling(ctx context.Context, db *gorm.DB, now time.Time, lease time.Duration, limit int) ([]ComplianceEvent, error)
	ListDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts int, limit int) ([]ComplianceEvent, error)
	ListStaleProcessing(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]ComplianceEvent, error)
}

type Service interface {
	Create(ctx context.Context, req CreateEventRequest) (*EventResponse, error)
	Get(ctx context.Context, id string) (*EventResponse, error)
	ListByCompany(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
	UpdatePayload(ctx context.Context, id string, payload json.RawMessage) (*EventResponse, error)

	Submit(ctx context.Context, id string) (SubmitResult, error)
	Requery(ctx context.Context, id string) (*EventResponse, error)

	SignedXML(ctx context.Context, id string) ([]byte, error)
	ReceiptPDF(ctx context.Context, id string) ([]byte, error)
}

// ReceiptTracker is notified when an event starts waiting for a receipt.
type ReceiptTracker interface {
	Track(eventID snowflake.ID)
}

type CreateEventRequest struct {
	EventType     string          `json:"event_type"`
	CompanyID     string          `json:"company_id"`
	SubjectID     string          `json:"subject_id"`
	ReferenceDate string          `json:"reference_date"`
	Payload       json.RawMessage `json:"payload"`
}

type ListEventsRequest struct {
	CompanyID string
	PageToken string
	PageSize  int
}

type ListEventsResponse struct {
	Events        []EventResponse `json:"events"`
	NextPageToken string          `json:"next_page_token,omitempty"`
	HasMore       bool            `json:"has_more"`
}

type EventResponse struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	CompanyID     string          `json:"company_id"`
	SubjectID     string          `json:"subject_id"`
	ReferenceDate string          `json:"reference_date"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	HasXML        bool            `json:"has_xml"`
	ProtocolID    string          `json:"protocol_id,omitempty"`
	ReceiptID     string          `json:"receipt_id,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	Retryable     bool            `json:"retryable"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SubmitResult is the caller-facing outcome of Submit.
type SubmitResult struct {
	EventID    string    `json:"event_id"`
	Accepted   bool      `json:"accepted"`
	Status     Status    `json:"status"`
	ProtocolID string    `json:"protocol_id,omitempty"`
	Message    string    `json:"message"`
	Kind       ErrorKind `json:"error_kind,omitempty"`
	Retryable  bool      `json:"retryable"`
}
