package sessionkit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Account notification topics.
const (
	TopicAccountCreated = "account.created"
	TopicAccountDeleted = "account.deleted"
)

// AccountEvent is the JSON payload published on account topics.
type AccountEvent struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LogPublisher writes events to a logger instead of a broker.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher that only logs.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the topic and payload size.
func (publisher *LogPublisher) Publish(ctx context.Context, topic string, message []byte) error {
	publisher.logger.Info("account event",
		zap.String("code", "event.logged"),
		zap.String("topic", topic),
		zap.Int("bytes", len(message)),
	)
	return nil
}

// EncodeAccountEvent marshals the payload for user at occurredAt.
func EncodeAccountEvent(user User, occurredAt time.Time) ([]byte, error) {
	return json.Marshal(AccountEvent{
		UserID:     user.ID.String(),
		Email:      user.Email,
		OccurredAt: occurredAt.UTC(),
	})
}
