package quote

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "quotes:{symbol}"

// PubClient is the subset of the redis client used for publishing.
type PubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// TickPublisher mirrors quotes to an external bus.
type TickPublisher interface {
	PublishQuote(ctx context.Context, q Quote) error
}

// Publisher publishes quotes to a Redis channel per symbol.
type Publisher struct {
	client  PubClient
	channel string
}

func NewPublisher(client PubClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Channel returns the Redis channel for symbol.
func (p *Publisher) Channel(symbol string) string {
	return strings.ReplaceAll(p.channel, "{symbol}", symbol)
}

func (p *Publisher) PublishQuote(ctx context.Context, q Quote) error {
	raw, err := json.Marshal(map[string]interface{}{
		"channel": "quote",
		"data":    q,
	})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(q.Symbol), raw).Err()
}
