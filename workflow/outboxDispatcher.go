package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PublishFunc delivers one engine event and returns the broker's message id.
type PublishFunc func(ctx context.Context, msg config.EngineEventMessage) (string, error)

// OutboxDispatcher publishes committed outbox rows. Rows are claimed in a short
// transaction, published outside it and marked SENT, FAILED (with backoff) or
// DEAD after MaxAttempts.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string
	Publish      PublishFunc
	Now          func() time.Time

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		Publish:        config.PublishEngineEventWithResult,
		Now:            func() time.Time { return time.Now().UTC() },
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "Run", "claim outbox rows", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims and publishes one batch and returns how many rows were
// published.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.DB == nil || d.Publish == nil {
		return 0, nil
	}
	// outbox rows span businesses; the dispatcher is not a tenant request
	db := d.DB.WithContext(config.WithoutTenantScope(ctx))

	claimed, err := d.claim(db)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range claimed {
		pubID, pubErr := d.Publish(ctx, models.ConvertToEngineEventMessage(rec))
		if pubErr != nil {
			d.markPublishFailed(db, rec, pubErr)
			continue
		}
		now := d.Now()
		if err := settle(db, rec.ID, models.OutboxPublishStatusSent, map[string]interface{}{
			"published_at":       &now,
			"pub_sub_message_id": &pubID,
			"next_attempt_at":    nil,
		}); err != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "mark outbox row sent", rec.ID, err)
		}
		sent++
	}
	return sent, nil
}

// claim leases due PENDING/FAILED rows and PROCESSING rows whose lease went stale,
// in one short transaction. Rows already at MaxAttempts go DEAD instead.
func (d *OutboxDispatcher) claim(db *gorm.DB) ([]models.PubSubMessageRecord, error) {
	now := d.Now()
	staleBefore := now.Add(-d.LockTimeout)
	var leased []models.PubSubMessageRecord
	err := db.Transaction(func(tx *gorm.DB) error {
		var due []models.PubSubMessageRecord
		err := tx.
			Where("(publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?)",
				[]string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now,
				models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&due).Error
		if err != nil {
			return err
		}
		for _, rec := range due {
			if d.exhausted(rec.PublishAttempts) {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				if err := settle(tx, rec.ID, models.OutboxPublishStatusDead, map[string]interface{}{
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
				}); err != nil {
					return err
				}
				continue
			}
			err := tx.Model(&models.PubSubMessageRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error
			if err != nil {
				return err
			}
			rec.PublishStatus = models.OutboxPublishStatusProcessing
			rec.PublishAttempts++
			leased = append(leased, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (d *OutboxDispatcher) exhausted(attempts int) bool {
	return d.MaxAttempts > 0 && attempts >= d.MaxAttempts
}

// settle moves a row to status and releases its lease.
func settle(db *gorm.DB, id int, status string, fields map[string]interface{}) error {
	fields["publish_status"] = status
	fields["locked_at"] = nil
	fields["locked_by"] = nil
	return db.Model(&models.PubSubMessageRecord{}).Where("id = ?", id).Updates(fields).Error
}

func (d *OutboxDispatcher) markPublishFailed(db *gorm.DB, rec models.PubSubMessageRecord, pubErr error) {
	msg := pubErr.Error()
	fields := logrus.Fields{
		"field":       "OutboxDispatcher",
		"business_id": rec.BusinessId,
		"record_id":   rec.ID,
		"event_type":  rec.EventType,
		"attempt":     rec.PublishAttempts,
	}

	status := models.OutboxPublishStatusFailed
	var next *time.Time
	if d.exhausted(rec.PublishAttempts) {
		status = models.OutboxPublishStatusDead
	} else {
		at := d.Now().Add(publishBackoff(d.InitialBackoff, rec.PublishAttempts))
		next = &at
		fields["next_attempt_at"] = at.Format(time.RFC3339Nano)
	}
	if err := settle(db, rec.ID, status, map[string]interface{}{
		"last_publish_error": &msg,
		"next_attempt_at":    next,
	}); err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "markPublishFailed", "update outbox row", rec.ID, err)
	}
	if status == models.OutboxPublishStatusDead {
		d.Logger.WithFields(fields).Error("outbox publish moved to DEAD after max attempts: " + msg)
		return
	}
	d.Logger.WithFields(fields).Error("outbox publish failed: " + msg)
}

// publishBackoff doubles initial per attempt, capped at ten minutes.
func publishBackoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return backoff
}
