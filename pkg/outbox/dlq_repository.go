package outbox

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

const (
	maxDLQErrorLen  = 1024
	defaultDLQLimit = 50
	maxDLQListLimit = 500
)

// DLQRepository stores notifications the publisher gave up on, such as a
// receipt or an operator alert, and puts them back in the queue on request.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// DLQFilter narrows List. Zero fields match everything.
type DLQFilter struct {
	EventType enums.OutboxEventType
	Reason    enums.OutboxDLQErrorReason
	Limit     int
}

func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if !entry.ErrorReason.IsValid() {
		return fmt.Errorf("invalid dlq error reason %q", entry.ErrorReason)
	}
	if entry.ErrorMessage != nil {
		msg := truncateDLQError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	var dlq models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&dlq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dlq, nil
}

// List returns dead letters, most recent failure first.
func (r *DLQRepository) List(ctx context.Context, filter DLQFilter) ([]models.OutboxDLQ, error) {
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultDLQLimit
	case limit > maxDLQListLimit:
		limit = maxDLQListLimit
	}
	query := r.db.WithContext(ctx)
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.Reason != "" {
		query = query.Where("error_reason = ?", filter.Reason)
	}
	var rows []models.OutboxDLQ
	err := query.
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Requeue hands dead letters back to the publisher. The parked outbox row is
// reset when retention has not removed it yet, so the one-per-processor-event
// index still holds; otherwise the row is recreated under its original id.
// The dead letters are removed in the same transaction.
func (r *DLQRepository) Requeue(ctx context.Context, entries []models.OutboxDLQ) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	requeued := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range entries {
			reset := tx.Model(&models.OutboxEvent{}).
				Where("id = ?", entry.EventID).
				Updates(map[string]any{
					"attempt_count": 0,
					"last_error":    nil,
					"published_at":  nil,
				})
			if reset.Error != nil {
				return fmt.Errorf("reset outbox event %s: %w", entry.EventID, reset.Error)
			}
			if reset.RowsAffected == 0 {
				row := models.OutboxEvent{
					ID:            entry.EventID,
					EventType:     entry.EventType,
					AggregateType: entry.AggregateType,
					AggregateID:   entry.AggregateID,
					Payload:       entry.Payload,
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("recreate outbox event %s: %w", entry.EventID, err)
				}
			}
			if err := tx.Delete(&models.OutboxDLQ{}, "id = ?", entry.ID).Error; err != nil {
				return fmt.Errorf("delete dead letter %s: %w", entry.ID, err)
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

func truncateDLQError(message string) string {
	if len(message) <= maxDLQErrorLen {
		return message
	}
	cut := maxDLQErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
