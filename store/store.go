package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store is the record store the engine runs on: single-record reads, live
// change subscriptions and atomic multi-record batches.
type Store struct {
	DB     *gorm.DB
	Bus    Bus
	Clock  Clock
	Logger *logrus.Logger
}

func New(db *gorm.DB, bus Bus, clock Clock, logger *logrus.Logger) *Store {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Store{DB: db, Bus: bus, Clock: clock, Logger: logger}
}

func (s *Store) ServerTimestamp() time.Time {
	return s.Clock.Now()
}

func (s *Store) NewID() string {
	return uuid.NewString()
}

// Get loads the record with id into dest.
func (s *Store) Get(ctx context.Context, dest interface{}, id string) error {
	return s.GetIn(ctx, "", dest, id)
}

// GetIn loads from table instead of dest's own table.
func (s *Store) GetIn(ctx context.Context, table string, dest interface{}, id string) error {
	q := s.DB.WithContext(ctx)
	if table != "" {
		q = q.Table(table)
	}
	err := q.Where("id = ?", id).Take(dest).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.NotFound("record %s not found", id)
	}
	return utils.StorageUnavailable(err)
}

func (s *Store) Subscribe(ctx context.Context, topic string) (<-chan Change, error) {
	if s.Bus == nil {
		return nil, errors.New("live updates are not configured")
	}
	return s.Bus.Subscribe(ctx, topic)
}

// CommitBatch applies every write of b in one transaction. On any failure
// nothing is applied and the error is an EngineError: guard mismatches and
// duplicate keys are state conflicts, anything from the database is
// storage-unavailable. Subscribers are notified only after commit.
func (s *Store) CommitBatch(ctx context.Context, b *Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, op := range b.ops {
			if err := op.apply(tx, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classifyCommitError(err)
	}
	s.publish(ctx, b.topics)
	return nil
}

func classifyCommitError(err error) error {
	var engineErr *utils.EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return utils.StateConflict("record was written concurrently")
	}
	return utils.StorageUnavailable(err)
}

func (s *Store) publish(ctx context.Context, topics []string) {
	if s.Bus == nil || len(topics) == 0 {
		return
	}
	// the batch is committed; a cancelled request must not drop notifications
	pubCtx := context.WithoutCancel(ctx)
	at := time.Now().UTC()
	for _, topic := range topics {
		if err := s.Bus.Publish(pubCtx, Change{Topic: topic, At: at}); err != nil {
			config.LogError(s.Logger, "Store", "CommitBatch", "publish change", topic, err)
		}
	}
}
