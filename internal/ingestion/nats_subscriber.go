package ingestion

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw commands to
// the shell, which parses them and hands them to the processor.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is an unparsed message from NATS.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the command was processed (applied or rejected)
	NakFunc   func() // NAK on a transient failure (redelivered)
	TermFunc  func() // Terminate an unparseable message (never redelivered)
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	CommandStream = "CDP_COMMANDS"
	PriceStream   = "CDP_PRICES"
	ParamsStream  = "CDP_PARAMS"
)

// commandSubjects maps command type to subject token. Account commands are
// published as cdp.commands.<token>.<sender>.
var commandSubjects = []struct {
	eventType string
	token     string
}{
	{"OpenPosition", "open"},
	{"AdjustPosition", "adjust"},
	{"ClosePosition", "close"},
	{"Liquidate", "liquidate"},
	{"LiquidateBatch", "liquidate_batch"},
	{"Redeem", "redeem"},
	{"ProvideToBuffer", "buffer_provide"},
	{"WithdrawFromBuffer", "buffer_withdraw"},
	{"ClaimCollateralGain", "buffer_claim"},
	{"ClaimSurplus", "surplus_claim"},
	{"DepositCollateral", "coll_deposit"},
	{"WithdrawCollateral", "coll_withdraw"},
}

// DefaultSubjects returns the standard subject configuration: one durable
// consumer per command type, plus prices and parameter updates.
func DefaultSubjects() []SubjectConfig {
	subjects := make([]SubjectConfig, 0, len(commandSubjects)+2)
	for _, c := range commandSubjects {
		subjects = append(subjects, SubjectConfig{
			Subject:      fmt.Sprintf("cdp.commands.%s.>", c.token),
			EventType:    c.eventType,
			ConsumerName: "ledger-" + c.token,
			StreamName:   CommandStream,
		})
	}
	subjects = append(subjects,
		SubjectConfig{Subject: "cdp.prices.>", EventType: "PriceUpdate", ConsumerName: "ledger-prices", StreamName: PriceStream},
		SubjectConfig{Subject: "cdp.params.>", EventType: "ParamsUpdate", ConsumerName: "ledger-params", StreamName: ParamsStream},
	)
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{"cdp.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      PriceStream,
			Subjects:  []string{"cdp.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      ParamsStream,
			Subjects:  []string{"cdp.params.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("cdpledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
