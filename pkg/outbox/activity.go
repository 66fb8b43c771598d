package outbox

import (
	"github.com/google/uuid"

	"github.com/studiobooking/payments-backend/pkg/enums"
	"github.com/studiobooking/payments-backend/pkg/outbox/payloads"
)

// ActivityAggregateID keys an activity entry on the action and the record it
// happened to, so queuing it with EmitIfNotExists writes it once.
func ActivityAggregateID(action enums.OutboxEventType, subjectID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(subjectID, []byte("activity:"+string(action)))
}

// Activity builds the activity log entry queued next to a domain event.
func Activity(source DomainEvent, log string) DomainEvent {
	entry := payloads.ActivityEvent{
		Action:      string(source.EventType),
		SubjectType: string(source.AggregateType),
		SubjectID:   source.AggregateID,
		Log:         log,
	}
	if source.Actor != nil && source.Actor.UserID != uuid.Nil {
		id := source.Actor.UserID
		entry.UserID = &id
	}
	return DomainEvent{
		EventType:     enums.EventActivityRecorded,
		AggregateType: enums.AggregateActivity,
		AggregateID:   ActivityAggregateID(source.EventType, source.AggregateID),
		Actor:         source.Actor,
		Data:          entry,
		OccurredAt:    source.OccurredAt,
	}
}
