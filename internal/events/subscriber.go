package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Subscriber tails the event stream and hands each event to a handler.
// It starts at the stream tail: history is not replayed.
type Subscriber struct {
	client *redis.Client
	logger *zap.Logger
}

func NewSubscriber(client *redis.Client, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		client: client,
		logger: logger,
	}
}

// Run blocks until ctx is cancelled, delivering events in stream order.
func (s *Subscriber) Run(ctx context.Context, handler func(Event)) error {
	lastID, err := s.tailID(ctx)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{Stream, lastID},
			Count:   64,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Event stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				lastID = msg.ID
				event, ok := decodeMessage(msg)
				if !ok {
					s.logger.Warn("Skipping undecodable event",
						zap.String("stream_id", msg.ID))
					continue
				}
				handler(event)
			}
		}
	}
}

// tailID resolves the current last stream entry so reads miss nothing
// published after subscription, without replaying history.
func (s *Subscriber) tailID(ctx context.Context) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, Stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

func decodeMessage(msg redis.XMessage) (Event, bool) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return Event{}, false
	}
	return event, true
}
