package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"depositflow/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"depositd"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`

	// Redelivery delay after a handler error doubles per delivery up to MaxNakDelay.
	NakDelay    time.Duration `envconfig:"NATS_NAK_DELAY" default:"1s"`
	MaxNakDelay time.Duration `envconfig:"NATS_MAX_NAK_DELAY" default:"30s"`
}

// Client wraps NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// New creates a new NATS client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{
		conn:   conn,
		js:     js,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close drains in-flight messages and closes the connection
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// HealthCheck reports an error unless the connection is up and JetStream
// answers for the account.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", c.conn.Status())
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("JetStream unavailable: %w", err)
	}
	return nil
}

// Streams used by the deposit service
const (
	DepositStream      = "DEPOSITS"
	DepositSubjects    = "events.deposit.>"
	SettlementStream   = "SETTLEMENTS"
	SettlementSubjects = "settlement.>"
)

// Headers set on every published event
const (
	HeaderEventType     = "Event-Type"
	HeaderCorrelationID = "Correlation-Id"
)

// Subject returns the subject an event type is published on
func Subject(eventType string) string {
	return "events." + eventType
}

// StreamConfig defines a JetStream stream
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	Replicas int

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration
}

// DefaultStreamConfig returns default stream configuration
func DefaultStreamConfig(name string, subjects []string) StreamConfig {
	return StreamConfig{
		Name:       name,
		Subjects:   subjects,
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1 << 30,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	}
}

func (cfg StreamConfig) toJetStream() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		Replicas:   cfg.Replicas,
		Duplicates: cfg.Duplicates,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	}
}

// EnsureStream creates or updates a stream
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, cfg.toJetStream())
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", cfg.Name, err)
	}

	c.logger.Info("stream ensured",
		"name", cfg.Name,
		"subjects", cfg.Subjects,
		"duplicates", cfg.Duplicates,
	)

	return stream, nil
}

// ConsumerConfig defines a JetStream consumer
type ConsumerConfig struct {
	Name          string
	Stream        string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
}

// DefaultConsumerConfig returns default consumer configuration
func DefaultConsumerConfig(name, stream, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		Stream:        stream,
		FilterSubject: filterSubject,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
	}
}

// EnsureConsumer creates or updates a durable consumer
func (c *Client) EnsureConsumer(ctx context.Context, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, cfg.Stream, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("creating/updating consumer %s: %w", cfg.Name, err)
	}

	c.logger.Info("consumer ensured",
		"name", cfg.Name,
		"stream", cfg.Stream,
		"filter", cfg.FilterSubject,
	)

	return consumer, nil
}

// Publisher publishes outbox events to JetStream
type Publisher struct {
	client *Client
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

var _ events.EventPublisher = (*Publisher)(nil)

// eventMsg builds the broker message for an event. The event ID doubles as
// the JetStream message ID so a relay retry after a lost ack is dropped by
// the stream instead of delivered twice.
func eventMsg(event *events.Event) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}

	msg := nats.NewMsg(Subject(event.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set(HeaderEventType, event.Type)
	if event.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, event.CorrelationID)
	}
	return msg, nil
}

// Publish publishes an event and waits for the stream ack
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	msg, err := eventMsg(event)
	if err != nil {
		return err
	}

	ack, err := p.client.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	if ack.Duplicate {
		p.logger.Info("event already in stream",
			"event_id", event.ID,
			"type", event.Type,
			"stream", ack.Stream,
			"seq", ack.Sequence,
		)
		return nil
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", msg.Subject,
		"seq", ack.Sequence,
	)

	return nil
}

// Subscriber subscribes to events
type Subscriber struct {
	client   *Client
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewSubscriber creates a new event subscriber
func NewSubscriber(client *Client, consumer jetstream.Consumer, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		client:   client,
		consumer: consumer,
		logger:   logger,
	}
}

// RawHandler handles incoming message payloads
type RawHandler func(ctx context.Context, subject string, data []byte) error

// Consume consumes raw messages until ctx is cancelled. A handler error
// Naks the message with a growing delay until the consumer's MaxDeliver
// is spent, after which the server stops redelivering it.
func (s *Subscriber) Consume(ctx context.Context, handler RawHandler) error {
	iter, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("getting message iterator: %w", err)
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	maxDeliver := 0
	if info := s.consumer.CachedInfo(); info != nil {
		maxDeliver = info.Config.MaxDeliver
	}

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			s.logger.Error("error getting next message", "error", err)
			continue
		}

		if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
			s.nak(msg, maxDeliver, err)
			continue
		}

		if err := msg.Ack(); err != nil {
			s.logger.Error("error acknowledging message", "error", err)
		}
	}
}

func (s *Subscriber) nak(msg jetstream.Msg, maxDeliver int, cause error) {
	var delivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}

	if maxDeliver > 0 && delivered >= uint64(maxDeliver) {
		s.logger.Error("message redeliveries exhausted",
			"alert", true,
			"subject", msg.Subject(),
			"deliveries", delivered,
			"error", cause,
		)
		if err := msg.Term(); err != nil {
			s.logger.Error("error terminating message", "error", err)
		}
		return
	}

	delay := redeliveryDelay(delivered, s.client.cfg.NakDelay, s.client.cfg.MaxNakDelay)
	s.logger.Warn("error handling message",
		"subject", msg.Subject(),
		"deliveries", delivered,
		"retry_in", delay,
		"error", cause,
	)
	if err := msg.NakWithDelay(delay); err != nil {
		s.logger.Error("error naking message", "error", err)
	}
}

// redeliveryDelay doubles base for every delivery after the first, capped at ceiling.
func redeliveryDelay(delivered uint64, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := uint64(1); i < delivered; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
