package events

import (
	"context"
	"encoding/json"
	"time"

	"shellac/config"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

type Channel string

func (c Channel) String() string {
	return string(c)
}

const (
	PROGRESS_CHANNEL Channel = "progress"
)

type MessageType string

const (
	DOWNLOAD_PROGRESS   MessageType = "download_progress"
	EXTRACTION_PROGRESS MessageType = "extraction_progress"
	FILE_COMPLETE       MessageType = "file_complete"
)

type Event struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Channel   Channel        `json:"channel"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventBus publishes pipeline progress events over valkey pub/sub so external
// dashboards can follow a run. A nil bus is valid and drops every publish,
// which keeps the pipeline independent of the cache being configured.
type EventBus struct {
	client valkey.Client
	logger logger.Logger
	config config.Config
	ctx    context.Context
	cancel context.CancelFunc
}

func New(client valkey.Client, config config.Config) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	return &EventBus{
		client: client,
		logger: logger.New("EventBus"),
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (eb *EventBus) Publish(channel Channel, event Event) error {
	if eb == nil || eb.client == nil {
		return nil
	}

	log := eb.logger.Function("Publish")

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.Channel == "" {
		event.Channel = channel
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return log.Err("failed to marshal event", err, "eventID", event.ID)
	}

	ctx, cancel := context.WithTimeout(eb.ctx, 5*time.Second)
	defer cancel()

	err = eb.client.Do(ctx, eb.client.B().Publish().Channel(channel.String()).Message(string(eventData)).Build()).
		Error()
	if err != nil {
		return log.Err(
			"failed to publish event to valkey",
			err,
			"channel",
			channel,
			"eventID",
			event.ID,
		)
	}

	log.Debug("Event published", "channel", channel, "eventID", event.ID, "eventType", event.Type)

	return nil
}

func (eb *EventBus) Close() error {
	if eb == nil {
		return nil
	}

	log := eb.logger.Function("Close")

	eb.cancel()

	log.Info("EventBus closed")
	return nil
}
