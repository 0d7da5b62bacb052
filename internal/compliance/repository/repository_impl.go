package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	pkgdb "github.com/smallbiznis/esocialgw/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const eventColumns = `id, event_type, company_id, subject_id, reference_date, payload, status,
		        xml_content, payload_digest, protocol_id, receipt_id, error_message, error_kind,
		        retryable, attempts, poll_attempts, awaiting_since, next_poll_at, next_retry_at,
		        created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.ComplianceEvent) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO compliance_events (
			id, event_type, company_id, subject_id, reference_date, payload, status,
			retryable, attempts, poll_attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.EventType,
		event.CompanyID,
		event.SubjectID,
		event.ReferenceDate,
		event.Payload,
		event.Status,
		false,
		0,
		0,
		event.CreatedAt,
		event.UpdatedAt,
	).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return fmt.Errorf("%w: %d", domain.ErrDuplicateEvent, event.ID)
	}
	return err
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ComplianceEvent, error) {
	var event domain.ComplianceEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM compliance_events
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, domain.ErrNotFound
	}
	return &event, nil
}

func (r *repo) ListByCompany(ctx context.Context, db *gorm.DB, companyID string, afterID snowflake.ID, limit int) ([]domain.ComplianceEvent, error) {
	var events []domain.ComplianceEvent
	query := db.WithContext(ctx)
	var err error
	if afterID != 0 {
		err = query.Raw(
			`SELECT `+eventColumns+`
			 FROM compliance_events
			 WHERE company_id = ? AND id < ?
			 ORDER BY id DESC
			 LIMIT ?`,
			companyID, afterID, limit,
		).Scan(&events).Error
	} else {
		err = query.Raw(
			`SELECT `+eventColumns+`
			 FROM compliance_events
			 WHERE company_id = ?
			 ORDER BY id DESC
			 LIMIT ?`,
			companyID, limit,
		).Scan(&events).Error
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Claim moves the event to processing when it is in one of from. Events whose
// last poll timed out are never claimed; they are re-queried instead.
func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE compliance_events
		 SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status IN ?
		   AND (error_kind IS NULL OR error_kind <> ?)`,
		domain.StatusProcessing,
		now,
		id,
		from,
		string(domain.KindPollTimeout),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status, update *domain.StatusUpdate) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.ComplianceEvent{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(update.Fields())
	if res.Error != nil {
		if pkgdb.IsCheckViolationErr(res.Error) {
			return false, fmt.Errorf("%w: %v", domain.ErrInvalidTransition, res.Error)
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdatePayload(ctx context.Context, db *gorm.DB, id snowflake.ID, payload datatypes.JSON, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE compliance_events
		 SET payload = ?, updated_at = ?
		 WHERE id = ? AND status IN ?
		   AND (error_kind IS NULL OR error_kind <> ?)`,
		payload,
		now,
		id,
		[]domain.Status{domain.StatusPending, domain.StatusError},
		string(domain.KindPollTimeout),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimDueForPolling locks due awaiting events and pushes their next_poll_at
// forward by lease so concurrent pollers skip them.
func (r *repo) ClaimDueForPolling(ctx context.Context, db *gorm.DB, now time.Time, lease time.Duration, limit int) ([]domain.ComplianceEvent, error) {
	var events []domain.ComplianceEvent
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT `+eventColumns+`
			 FROM compliance_events
			 WHERE status = ? AND next_poll_at IS NOT NULL AND next_poll_at <= ?
			 ORDER BY next_poll_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			domain.StatusAwaitingReceipt,
			now,
			limit,
		).Scan(&events).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(events))
		for _, event := range events {
			ids = append(ids, event.ID)
		}
		return tx.Exec(
			`UPDATE compliance_events
			 SET next_poll_at = ?
			 WHERE id IN ? AND status = ?`,
			now.Add(lease),
			ids,
			domain.StatusAwaitingReceipt,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) ListDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts int, limit int) ([]domain.ComplianceEvent, error) {
	var events []domain.ComplianceEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM compliance_events
		 WHERE status = ? AND retryable = ? AND attempts < ?
		   AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusError,
		true,
		maxAttempts,
		now,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) ListStaleProcessing(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.ComplianceEvent, error) {
	var events []domain.ComplianceEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM compliance_events
		 WHERE status = ? AND updated_at <= ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusProcessing,
		before,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
