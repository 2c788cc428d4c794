package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// EngineEventMessage is the payload published for every committed job/document change.
// Downstream read models (dashboards, AR aging, notifications) consume it; none write back.
type EngineEventMessage struct {
	ID            int             `json:"id"`
	BusinessId    string          `json:"business_id"`
	EventType     string          `json:"event_type"`
	ReferenceType string          `json:"reference_type"`
	ReferenceId   string          `json:"reference_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id"`
}

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	engineTopic  *pubsub.Topic
)

func init() {
	godotenv.Load()
}

func pubSubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// PubSubConfigured reports whether outbox publishing has somewhere to go.
func PubSubConfigured() bool {
	return pubSubProjectID() != "" && os.Getenv("PUBSUB_TOPIC") != ""
}

// topic returns the engine topic, creating the client on first use. Messages are
// ordered per reference so consumers see a job's events in commit order.
func topic(ctx context.Context) (*pubsub.Topic, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if engineTopic != nil {
		return engineTopic, nil
	}

	projectID := pubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	topicName := os.Getenv("PUBSUB_TOPIC")
	if topicName == "" {
		return nil, errors.New("PUBSUB_TOPIC is required")
	}

	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	c, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client (project_id=%s): %w", projectID, err)
	}
	t := c.Topic(topicName)
	t.EnableMessageOrdering = true
	pubsubClient, engineTopic = c, t
	log.Printf("pubsub topic ready (project_id=%s topic=%s)", projectID, topicName)
	return engineTopic, nil
}

// PublishEngineEventWithResult publishes and returns the Pub/Sub server-assigned message ID.
func PublishEngineEventWithResult(ctx context.Context, msg EngineEventMessage) (string, error) {
	t, err := topic(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	id, err := t.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"business_id":    msg.BusinessId,
			"event_type":     msg.EventType,
			"reference_type": msg.ReferenceType,
		},
		OrderingKey: msg.ReferenceId,
	}).Get(ctx)
	if err != nil {
		// a failed ordered publish pauses its key until resumed
		t.ResumePublish(msg.ReferenceId)
		return "", err
	}
	return id, nil
}

// ClosePubSub flushes pending publishes and closes the client.
func ClosePubSub() error {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if engineTopic != nil {
		engineTopic.Stop()
		engineTopic = nil
	}
	if pubsubClient == nil {
		return nil
	}
	err := pubsubClient.Close()
	pubsubClient = nil
	return err
}
