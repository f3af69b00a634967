package sessionkitredis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher sends account events over Redis pub/sub. Channels are the topic
// prefixed with channelPrefix.
type Publisher struct {
	client        redis.UniversalClient
	channelPrefix string
	timeout       time.Duration
}

// NewPublisher builds a publisher; a non-positive timeout uses DefaultOperationTimeout.
func NewPublisher(client redis.UniversalClient, channelPrefix string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &Publisher{client: client, channelPrefix: channelPrefix, timeout: timeout}
}

// Channel returns the Redis channel used for topic.
func (publisher *Publisher) Channel(topic string) string {
	return publisher.channelPrefix + topic
}

// Publish sends message; having no subscribers is not an error.
func (publisher *Publisher) Publish(ctx context.Context, topic string, message []byte) error {
	publishContext, cancel := context.WithTimeout(ctx, publisher.timeout)
	defer cancel()
	if err := publisher.client.Publish(publishContext, publisher.Channel(topic), message).Err(); err != nil {
		return fmt.Errorf("event_publisher.publish.%s: %w", topic, err)
	}
	return nil
}
