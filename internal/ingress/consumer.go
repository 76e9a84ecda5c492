// Package ingress adapts grant notifications from the event stream into
// engine commands. The upstream proxy publishes one message per qualifying
// viewer action; delivery is at-least-once and unordered.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/huikka/subathon/internal/rules"
)

// Engine is what the consumer needs from the timer engine.
type Engine interface {
	ApplyGrant(ctx context.Context, grant rules.Grant) error
}

// Config holds configuration for the JetStream grant consumer.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
	DedupWindow   time.Duration
}

// DefaultConfig returns default grant consumer configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "GRANT_EVENTS",
		ConsumerName:  "subathon-engine",
		SubjectFilter: "grants.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		DedupWindow:   10 * time.Minute,
	}
}

// Consumer pulls grant envelopes off JetStream, deduplicates by event id and
// hands each grant to the engine exactly once from the engine's perspective.
type Consumer struct {
	engine   Engine
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   Config
	dedup    *dedupCache
}

// grantEnvelope is the wire format published by the notification proxy.
type grantEnvelope struct {
	EventID string          `json:"eventId"`
	Kind    string          `json:"kind"`
	User    string          `json:"user"`
	Payload json.RawMessage `json:"payload"`
}

type grantPayload struct {
	Tier        string `json:"tier"`
	Bits        int64  `json:"bits"`
	Viewers     int64  `json:"viewers"`
	RewardTitle string `json:"rewardTitle"`
}

var grantKinds = map[string]rules.GrantKind{
	"subscription":      rules.GrantSubscription,
	"gift_subscription": rules.GrantGiftSub,
	"cheer":             rules.GrantCheer,
	"follow":            rules.GrantFollow,
	"raid":              rules.GrantRaid,
	"redemption":        rules.GrantRedemption,
}

// NewConsumer connects to NATS and ensures the durable consumer exists.
func NewConsumer(engine Engine, config Config, clock clockwork.Clock) (*Consumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &Consumer{
		engine: engine,
		nc:     nc,
		js:     js,
		config: config,
		dedup:  newDedupCache(config.DedupWindow, clock),
	}

	if err := c.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure consumer: %w", err)
	}
	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, c.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
			Name:          c.config.ConsumerName,
			Durable:       c.config.ConsumerName,
			Description:   "Subathon grant consumer",
			FilterSubject: c.config.SubjectFilter,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    c.config.MaxDeliver,
			AckWait:       c.config.AckWait,
			MaxAckPending: c.config.MaxAckPending,
			ReplayPolicy:  jetstream.ReplayInstantPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
		log.Info().Str("consumer", c.config.ConsumerName).Str("stream", c.config.StreamName).Msg("created JetStream consumer")
	}

	c.consumer = consumer
	return nil
}

// Start consumes grant messages until the context is cancelled. Grants that
// fail to persist are Nak'd for redelivery; everything else is Ack'd.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.config.StreamName).
		Msg("starting grant consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error().Err(nakErr).Msg("failed to NAK message during shutdown")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("grant consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := c.handleGrant(ctx, msg.Data()); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to apply grant, requesting redelivery")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

// handleGrant processes one envelope. A non-nil return means the grant was
// not applied for a transient reason and should be redelivered; malformed
// envelopes and duplicates are swallowed after logging.
func (c *Consumer) handleGrant(ctx context.Context, data []byte) error {
	eventID, grant, err := parseGrant(data)
	if err != nil {
		log.Warn().Err(err).Msg("discarding malformed grant")
		return nil
	}

	if c.dedup.Seen(eventID) {
		log.Info().Str("event_id", eventID).Msg("duplicate grant delivery, skipping")
		return nil
	}

	if err := c.engine.ApplyGrant(ctx, grant); err != nil {
		c.dedup.Forget(eventID)
		return fmt.Errorf("failed to apply grant %s: %w", eventID, err)
	}
	return nil
}

// parseGrant validates and converts one envelope into an engine grant.
func parseGrant(data []byte) (string, rules.Grant, error) {
	var env grantEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", rules.Grant{}, fmt.Errorf("failed to unmarshal grant envelope: %w", err)
	}
	if env.EventID == "" {
		return "", rules.Grant{}, fmt.Errorf("grant envelope missing eventId")
	}
	if env.User == "" {
		return "", rules.Grant{}, fmt.Errorf("grant %s missing user", env.EventID)
	}
	kind, ok := grantKinds[env.Kind]
	if !ok {
		return "", rules.Grant{}, fmt.Errorf("grant %s has unknown kind %q", env.EventID, env.Kind)
	}

	var payload grantPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return "", rules.Grant{}, fmt.Errorf("grant %s has malformed payload: %w", env.EventID, err)
		}
	}

	return env.EventID, rules.Grant{
		Kind:        kind,
		User:        env.User,
		Tier:        payload.Tier,
		Bits:        payload.Bits,
		Viewers:     payload.Viewers,
		RewardTitle: payload.RewardTitle,
	}, nil
}

// Stop closes the NATS connection.
func (c *Consumer) Stop() {
	if c.nc != nil {
		c.nc.Close()
	}
}
