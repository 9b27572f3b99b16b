package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// Watch streams the result events of one batch to fn until ctx is done or
// want events have been delivered. want <= 0 means no limit. The consumer
// is ordered and ephemeral, so messages need no acknowledgement.
func Watch(ctx context.Context, js jetstream.JetStream, batchID string, want int, logger *slog.Logger, fn func(*ResultEvent)) (int, error) {
	cons, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{Subject(batchID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create consumer: %w", err)
	}

	msgs := make(chan jetstream.Msg, 16)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	received := 0
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case msg := <-msgs:
			var event ResultEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				logger.Warn("skipping malformed result event", "subject", msg.Subject(), "error", err)
				continue
			}
			received++
			fn(&event)
			if want > 0 && received >= want {
				return received, nil
			}
		}
	}
}
