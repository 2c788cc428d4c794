package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/utils"
)

// PubSubMessageRecord is the transactional outbox row. It is written in the
// same batch as the change it describes and published after commit by the
// outbox dispatcher.
type PubSubMessageRecord struct {
	ID            int       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string    `gorm:"size:64;not null;index" json:"business_id"`
	EventType     string    `gorm:"size:60;not null" json:"event_type"`
	ReferenceType string    `gorm:"size:30;not null" json:"reference_type"`
	ReferenceId   string    `gorm:"size:36;not null;index" json:"reference_id"`
	OccurredAt    time.Time `gorm:"not null;index" json:"occurred_at"`
	Payload       []byte    `gorm:"type:blob" json:"payload"`
	// publish happens after commit via dispatcher
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewOutboxRecord builds the outbox row for one committed change. It is added
// to the caller's batch; nothing is published here.
func NewOutboxRecord(ctx context.Context, businessId string, eventType string, refType string, refId string, occurredAt time.Time, payload interface{}) (*PubSubMessageRecord, error) {
	payloadInByte, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &PubSubMessageRecord{
		BusinessId:    businessId,
		EventType:     eventType,
		ReferenceType: refType,
		ReferenceId:   refId,
		OccurredAt:    occurredAt,
		Payload:       payloadInByte,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToEngineEventMessage(record PubSubMessageRecord) config.EngineEventMessage {
	return config.EngineEventMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		EventType:     record.EventType,
		ReferenceType: record.ReferenceType,
		ReferenceId:   record.ReferenceId,
		OccurredAt:    record.OccurredAt,
		Payload:       json.RawMessage(record.Payload),
		CorrelationId: record.CorrelationId,
	}
}
