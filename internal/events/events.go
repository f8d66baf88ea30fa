package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
)

// Stream carries every stack lifecycle event.
const Stream = "voxstack:events"

type Type string

const (
	TypeRunStarted     Type = "run.started"
	TypeRunFinished    Type = "run.finished"
	TypeServiceReady   Type = "service.ready"
	TypeServiceTimeout Type = "service.timeout"
	TypeServiceFailed  Type = "service.failed"
	TypeModelFetched   Type = "model.fetched"
	TypeModelFailed    Type = "model.failed"
	TypeScale          Type = "scale"
)

// Event is one stack lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Service   string                 `json:"service,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Source    string                 `json:"source"`
}

// NewRedisClient builds a client from config. Explicit password, database
// and pool settings override whatever the URL carries.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(opts), nil
}

// Publisher appends lifecycle events to the event stream.
type Publisher struct {
	client *redis.Client
	source string
	logger *zap.Logger
}

func NewPublisher(client *redis.Client, source string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client: client,
		source: source,
		logger: logger,
	}
}

// Publish appends the event, filling ID, timestamp and source when unset.
// Publishing is advisory: callers log failures and move on.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = p.source
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event",
			zap.Error(err), zap.String("event_id", event.ID))
		return err
	}

	args := &redis.XAddArgs{
		Stream: Stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"data":       string(eventData),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		p.logger.Error("Failed to publish event",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)))
		return err
	}

	p.logger.Debug("Event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("service", event.Service))
	return nil
}

// PublishServiceOutcome records how a service came out of a bootstrap run.
func (p *Publisher) PublishServiceOutcome(ctx context.Context, runID, service string, eventType Type, detail map[string]interface{}) error {
	data := map[string]interface{}{"run_id": runID}
	for k, v := range detail {
		data[k] = v
	}
	return p.Publish(ctx, Event{
		Type:    eventType,
		Service: service,
		Data:    data,
	})
}

// PublishScale announces a replica-count change for the gateway to apply.
func (p *Publisher) PublishScale(ctx context.Context, service string, replicas int) error {
	return p.Publish(ctx, Event{
		Type:    TypeScale,
		Service: service,
		Data:    map[string]interface{}{"replicas": replicas},
	})
}

// ScaleReplicas extracts the replica count from a scale event.
func (e Event) ScaleReplicas() (int, bool) {
	if e.Type != TypeScale || e.Data == nil {
		return 0, false
	}
	switch v := e.Data["replicas"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
