// Package intake consumes observation envelopes from Kafka with
// at-least-once delivery. Offsets are committed only after an envelope is
// stored or dead-lettered; redelivery is absorbed by ingestion dedupe.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/engine"
	"github.com/sells-group/entity-resolver/internal/metrics"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
)

// Dead-letter headers.
const (
	HeaderError       = "x-error"
	HeaderErrorClass  = "x-error-class"
	HeaderSourceTopic = "x-source-topic"
	HeaderOffset      = "x-source-offset"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer used for dead letters.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester stores one envelope.
type Ingester interface {
	Ingest(ctx context.Context, env engine.Envelope) (*model.IngestResult, error)
}

// Config configures the Kafka reader and dead-letter writer.
type Config struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
	MaxWait         time.Duration
}

// NewReader creates a consumer-group reader for cfg.
func NewReader(cfg Config) *kafka.Reader {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     maxWait,
		StartOffset: kafka.FirstOffset,
	})
}

// NewDeadLetterWriter creates a writer for cfg's dead-letter topic, or nil
// when none is configured.
func NewDeadLetterWriter(cfg Config) *kafka.Writer {
	if cfg.DeadLetterTopic == "" {
		return nil
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.DeadLetterTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Consumer feeds broker messages into ingestion.
type Consumer struct {
	reader Reader
	dlq    Writer
	ingest Ingester
	log    *zap.Logger
}

// NewConsumer creates a Consumer. dlq may be nil, in which case permanently
// rejected messages are logged and committed. ing owns retrying transient
// store failures; a transient error it returns has already exhausted them.
func NewConsumer(r Reader, dlq Writer, ing Ingester) *Consumer {
	return &Consumer{
		reader: r,
		dlq:    dlq,
		ingest: ing,
		log:    zap.L().With(zap.String("component", "intake")),
	}
}

// Run consumes until ctx is cancelled or the reader is closed. A message
// that keeps failing transiently stops the consumer without committing,
// so it is redelivered after restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("intake consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				c.log.Info("intake consumer stopping")
				return nil
			}
			return eris.Wrap(err, "intake: fetch message")
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return eris.Wrapf(err, "intake: commit offset %d", msg.Offset)
		}
	}
}

// handle ingests one message. A nil return means the message may be
// committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.log.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	var env engine.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return c.deadLetter(ctx, log, msg, model.NewValidationError("envelope", "", "undecodable json: "+err.Error()))
	}

	res, err := c.ingest.Ingest(ctx, env)
	if err != nil {
		if resilience.IsTransient(err) || ctx.Err() != nil {
			metrics.IntakeMessagesTotal.WithLabelValues("failed").Inc()
			return eris.Wrapf(err, "intake: ingest offset %d", msg.Offset)
		}
		return c.deadLetter(ctx, log, msg, err)
	}

	outcome := "ingested"
	if res.Duplicate {
		outcome = "duplicate"
	}
	metrics.IntakeMessagesTotal.WithLabelValues(outcome).Inc()
	return nil
}

// deadLetter forwards a permanently rejected message with its error.
func (c *Consumer) deadLetter(ctx context.Context, log *zap.Logger, msg kafka.Message, cause error) error {
	if c.dlq == nil {
		metrics.IntakeMessagesTotal.WithLabelValues("dropped").Inc()
		log.Warn("dropping rejected message", zap.Error(cause))
		return nil
	}

	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderErrorClass, Value: []byte(resilience.Classify(cause))},
		kafka.Header{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)
	dead := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := c.dlq.WriteMessages(ctx, dead); err != nil {
		metrics.IntakeMessagesTotal.WithLabelValues("failed").Inc()
		return eris.Wrapf(err, "intake: dead-letter offset %d", msg.Offset)
	}
	metrics.IntakeMessagesTotal.WithLabelValues("dead_lettered").Inc()
	log.Warn("message dead-lettered", zap.Error(cause))
	return nil
}

// Close closes the reader and dead-letter writer.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	if c.dlq != nil {
		if werr := c.dlq.Close(); err == nil {
			err = werr
		}
	}
	return err
}
