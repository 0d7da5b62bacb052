package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventTypeAdmission      EventType = "admission"
	EventTypeTermination    EventType = "termination"
	EventTypeContractChange EventType = "contract_change"
	EventTypePayroll        EventType = "payroll"
	EventTypeLeave          EventType = "leave"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusAwaitingReceipt Status = "awaiting_receipt"
	StatusSent            Status = "sent"
	StatusRejected        Status = "rejected"
	StatusError           Status = "error"
)

// IsTerminal reports whether the remote authority has settled the event.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusRejected
}

// Submittable reports whether Submit may claim an event in this status.
func (s Status) Submittable() bool {
	return s == StatusPending || s == StatusError
}

// ComplianceEvent is one HR/payroll fact reported to the authority.
// Status transitions go through Repository.UpdateStatus only.
type ComplianceEvent struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventType     EventType      `json:"event_type" gorm:"type:text;not null"`
	CompanyID     string         `json:"company_id" gorm:"type:text;not null;index"`
	SubjectID     string         `json:"subject_id" gorm:"type:text;not null"`
	ReferenceDate time.Time      `json:"reference_date" gorm:"type:date;not null"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Status        Status         `json:"status" gorm:"type:text;not null;index"`

	XMLContent    *string `json:"-" gorm:"type:text"`
	PayloadDigest *string `json:"-" gorm:"type:text"`
	ProtocolID    *string `json:"protocol_id,omitempty" gorm:"type:text"`
	ReceiptID     *string `json:"receipt_id,omitempty" gorm:"type:text"`
	ErrorMessage  *string `json:"error_message,omitempty" gorm:"type:text"`
	ErrorKind     *string `json:"error_kind,omitempty" gorm:"type:text"`
	Retryable     bool    `json:"retryable" gorm:"not null;default:false"`

	Attempts      int        `json:"attempts" gorm:"not null;default:0"`
	PollAttempts  int        `json:"poll_attempts" gorm:"not null;default:0"`
	AwaitingSince *time.Time `json:"awaiting_since,omitempty"`
	NextPollAt    *time.Time `json:"next_poll_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ComplianceEvent) TableName() string { return "compliance_events" }

func (e ComplianceEvent) HasXML() bool {
	return e.XMLContent != nil && *e.XMLContent != ""
}

func (e ComplianceEvent) Kind() ErrorKind {
	if e.ErrorKind == nil {
		return ""
	}
	return ErrorKind(*e.ErrorKind)
}

// StatusUpdate is a field-level patch applied atomically together with a
// status guard. Only the fields set through its builder methods are written.
type StatusUpdate struct {
	Status Status
	fields map[string]any
}

func NewStatusUpdate(status Status, now time.Time) *StatusUpdate {
	return &StatusUpdate{
		Status: status,
		fields: map[string]any{
			"status":     status,
			"updated_at": now,
		},
	}
}

func (u *StatusUpdate) WithXML(xml, digest string) *StatusUpdate {
	u.fields["xml_content"] = xml
	u.fields["payload_digest"] = digest
	return u
}

func (u *StatusUpdate) WithProtocol(protocolID string) *StatusUpdate {
	u.fields["protocol_id"] = protocolID
	return u
}

func (u *StatusUpdate) WithReceipt(receiptID string) *StatusUpdate {
	u.fields["receipt_id"] = receiptID
	return u
}

func (u *StatusUpdate) WithError(kind ErrorKind, message string, retryable bool) *StatusUpdate {
	u.fields["error_message"] = message
	u.fields["error_kind"] = string(kind)
	u.fields["retryable"] = retryable
	return u
}

// WithRejection stores the authority's reason verbatim.
func (u *StatusUpdate) WithRejection(reason string) *StatusUpdate {
	u.fields["error_message"] = reason
	u.fields["error_kind"] = nil
	u.fields["retryable"] = false
	return u
}

func (u *StatusUpdate) ClearError() *StatusUpdate {
	u.fields["error_message"] = nil
	u.fields["error_kind"] = nil
	u.fields["retryable"] = false
	u.fields["next_retry_at"] = nil
	return u
}

func (u *StatusUpdate) WithAwaiting(since, firstPoll time.Time) *StatusUpdate {
	u.fields["awaiting_since"] = since
	u.fields["next_poll_at"] = firstPoll
	u.fields["poll_attempts"] = 0
	return u
}

func (u *StatusUpdate) WithNextPoll(attempts int, next time.Time) *StatusUpdate {
	u.fields["poll_attempts"] = attempts
	u.fields["next_poll_at"] = next
	return u
}

func (u *StatusUpdate) ClearPoll() *StatusUpdate {
	u.fields["next_poll_at"] = nil
	return u
}

func (u *StatusUpdate) WithNextRetry(at *time.Time) *StatusUpdate {
	if at == nil {
		u.fields["next_retry_at"] = nil
		return u
	}
	u.fields["next_retry_at"] = *at
	return u
}

func (u *StatusUpdate) WithAttempts(attempts int) *StatusUpdate {
	u.fields["attempts"] = attempts
	return u
}

// Fields returns a copy of the column set to write.
func (u *StatusUpdate) Fields() map[string]any {
	out := make(map[string]any, len(u.fields))
	for k, v := range u.fields {
		out[k] = v
	}
	return out
}
