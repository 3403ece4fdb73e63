package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpVamm/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamName holds every outbound engine event.
const StreamName = "PERP_VAMM_EVENTS"

// Publisher drains the engine's outbound channel into JetStream.
// Subjects follow perp.vamm.events.{event_type}.{market_id} so consumers
// can subscribe per event type or per market.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan *event.Envelope
	log   zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan *event.Envelope, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:    js,
		input: input,
		log:   log.With().Str("component", "publisher").Logger(),
	}
}

// Run loops until the context dies or the channel closes. Publish failures
// are logged and dropped; downstream consumers can rebuild from the
// history tables.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().Err(err).
					Str("event_id", env.ID.String()).
					Str("type", string(env.Type)).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("perp.vamm.events.%s", env.Type)
	if env.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, env.MarketID)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"perp.vamm.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
