package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	TopicJobs      = "jobs"
	TopicDocuments = "documents"
)

func JobTopic(jobId string) string {
	return TopicJobs + "/" + jobId
}

func JobActivitiesTopic(jobId string) string {
	return TopicJobs + "/" + jobId + "/activities"
}

func DocumentTopic(docId string) string {
	return TopicDocuments + "/" + docId
}

// Change tells subscribers that something under Topic was committed.
// Readers re-read the records they care about; the change carries no data.
type Change struct {
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
}

type Bus interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(ctx context.Context, topic string) (<-chan Change, error)
	Close() error
}

// MemoryBus fans changes out to subscribers of this process only.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[chan Change]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[chan Change]struct{}{}}
}

func (b *MemoryBus) Publish(ctx context.Context, change Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for ch := range b.subs[change.Topic] {
		select {
		case ch <- change:
		default:
			// a full buffer already holds a pending wake-up for this reader
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}
	ch := make(chan Change, 16)
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Change]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[topic][ch]; ok {
			delete(b.subs[topic], ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
