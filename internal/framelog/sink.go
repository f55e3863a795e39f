package framelog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Sink receives assembled frame logs.
type Sink interface {
	Publish(ctx context.Context, l *FrameLog) error
}

// MultiSink publishes to every sink. A failing sink is logged and does not
// stop the others.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, l *FrameLog) error {
	for _, s := range m {
		if err := s.Publish(ctx, l); err != nil {
			log.Error().Err(err).
				Str("direction", string(l.Direction)).
				Str("key", l.Key()).
				Msg("publish frame log failed")
		}
	}
	return nil
}

// NATSSink publishes each log on <prefix>.<direction>.<key>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink creates a NATS sink
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{nc: nc, prefix: prefix}
}

// Subject returns the subject a log is published on.
func (s *NATSSink) Subject(l *FrameLog) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, l.Direction, l.Key())
}

func (s *NATSSink) Publish(ctx context.Context, l *FrameLog) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal frame log: %w", err)
	}
	if err := s.nc.Publish(s.Subject(l), data); err != nil {
		return fmt.Errorf("publish frame log: %w", err)
	}
	return nil
}

// RedisSink appends logs to a Redis stream, trimmed to about maxLen entries.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a Redis stream sink
func NewRedisSink(rdb *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

// xaddArgs returns the XADD arguments for a log.
func (s *RedisSink) xaddArgs(l *FrameLog) (*redis.XAddArgs, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal frame log: %w", err)
	}
	return &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]interface{}{
			string(l.Direction): data,
		},
	}, nil
}

func (s *RedisSink) Publish(ctx context.Context, l *FrameLog) error {
	args, err := s.xaddArgs(l)
	if err != nil {
		return err
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd frame log: %w", err)
	}
	return nil
}

// KafkaSink writes logs to a Kafka topic keyed by Key.
type KafkaSink struct {
	w *kafka.Writer
}

// NewKafkaSink creates a Kafka sink
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

func kafkaMessage(l *FrameLog) (kafka.Message, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal frame log: %w", err)
	}
	return kafka.Message{
		Key:   []byte(l.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "direction", Value: []byte(l.Direction)},
		},
	}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, l *FrameLog) error {
	msg, err := kafkaMessage(l)
	if err != nil {
		return err
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write frame log: %w", err)
	}
	return nil
}

// Close closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
