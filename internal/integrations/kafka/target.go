package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"github.com/turbolytics/tap-youtube-analytics/pkg/singer"
)

// StateKey is the message key of STATE messages.
const StateKey = "__state__"

const defaultFlushTimeout = 10 * time.Second

type Stats struct {
	Messages          int64     `json:"messages"`
	WriteErrorCount   int64     `json:"write_error_count"`
	DeliveryFailures  int64     `json:"delivery_failures"`
	LastWriteAt       time.Time `json:"last_write_at"`
	LastError         string    `json:"last_error,omitempty"`
	ConnectionHealthy bool      `json:"connection_healthy"`
}

// Target produces Singer messages to a Kafka topic, one JSON message per
// Singer message, keyed by stream.
type Target struct {
	config       kafka.ConfigMap
	producer     *kafka.Producer
	topic        string
	brokers      string
	flushTimeout time.Duration
	logger       *zap.Logger

	statsMu sync.RWMutex
	stats   Stats
	done    chan struct{}
}

// NewTarget parses a kafka://broker:port/topic URL. Query parameters are
// passed through to the producer config.
func NewTarget(uri *url.URL, logger *zap.Logger) (*Target, error) {
	if uri.Scheme != "kafka" {
		return nil, fmt.Errorf("unsupported target scheme %q", uri.Scheme)
	}
	topic := strings.TrimPrefix(uri.Path, "/")
	if topic == "" {
		return nil, fmt.Errorf("topic must be specified in URL path")
	}
	if uri.Host == "" {
		return nil, fmt.Errorf("broker must be specified in URL host")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config := kafka.ConfigMap{
		"bootstrap.servers": uri.Host,
		"client.id":         "tap-youtube-analytics",

		"acks":                "all",
		"enable.idempotence":  "true",
		"linger.ms":           "5",
		"compression.type":    "snappy",
		"delivery.timeout.ms": "30000",
	}

	t := &Target{
		topic:        topic,
		brokers:      uri.Host,
		flushTimeout: defaultFlushTimeout,
		logger:       logger.Named("kafka.target"),
	}
	for key, values := range uri.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "flush.timeout" {
			d, err := time.ParseDuration(values[0])
			if err != nil {
				return nil, fmt.Errorf("flush.timeout: %w", err)
			}
			t.flushTimeout = d
			continue
		}
		config[key] = values[0]
	}
	t.config = config
	return t, nil
}

func (t *Target) Connect(ctx context.Context) error {
	producer, err := kafka.NewProducer(&t.config)
	if err != nil {
		t.recordError(err)
		return err
	}

	t.statsMu.Lock()
	t.producer = producer
	t.stats.ConnectionHealthy = true
	t.stats.LastError = ""
	t.statsMu.Unlock()

	t.done = make(chan struct{})
	go t.drain(producer)

	t.logger.Info("kafka target connected",
		zap.String("topic", t.topic),
		zap.String("brokers", t.brokers))
	return nil
}

func (t *Target) drain(producer *kafka.Producer) {
	defer close(t.done)
	defer t.logger.Info("producer event loop closed")

	for e := range producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				t.logger.Error("delivery failed", zap.Error(ev.TopicPartition.Error))
				t.statsMu.Lock()
				t.stats.DeliveryFailures++
				t.stats.LastError = ev.TopicPartition.Error.Error()
				t.statsMu.Unlock()
				continue
			}
			t.logger.Debug("message delivered",
				zap.String("topic", *ev.TopicPartition.Topic),
				zap.Int32("partition", ev.TopicPartition.Partition),
				zap.Int64("offset", int64(ev.TopicPartition.Offset)))
		case kafka.Error:
			t.logger.Error("producer error", zap.Error(ev))
		}
	}
}

// Key returns the message key of msg.
func Key(msg singer.Message) string {
	if msg.Type == singer.MessageTypeState {
		return StateKey
	}
	return msg.Stream
}

func (t *Target) Write(ctx context.Context, msg singer.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.producer == nil {
		return fmt.Errorf("kafka target not connected")
	}

	value, err := json.Marshal(msg)
	if err != nil {
		t.recordError(err)
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &t.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(Key(msg)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "singer_type", Value: []byte(msg.Type)},
		},
	}

	if err := t.producer.Produce(message, nil); err != nil {
		t.recordError(err)
		return err
	}

	t.statsMu.Lock()
	t.stats.Messages++
	t.stats.LastWriteAt = time.Now()
	t.statsMu.Unlock()
	return nil
}

// Flush waits for outstanding deliveries, bounded by the flush timeout or
// ctx, whichever ends first.
func (t *Target) Flush(ctx context.Context) error {
	if t.producer == nil {
		return nil
	}
	deadline := time.Now().Add(t.flushTimeout)
	for {
		remaining := t.producer.Flush(100)
		if remaining == 0 {
			return t.deliveryError()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("kafka flush timed out with %d messages outstanding", remaining)
		}
	}
}

func (t *Target) Close(ctx context.Context) error {
	if t.producer == nil {
		return nil
	}
	err := t.Flush(ctx)
	t.producer.Close()
	<-t.done

	t.statsMu.Lock()
	t.stats.ConnectionHealthy = false
	t.producer = nil
	t.statsMu.Unlock()
	return err
}

func (t *Target) Stats() Stats {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	return t.stats
}

func (t *Target) recordError(err error) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.WriteErrorCount++
	t.stats.LastError = err.Error()
}

// deliveryError reports failed deliveries seen so far. A sync must not
// persist state past messages the broker rejected.
func (t *Target) deliveryError() error {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	if t.stats.DeliveryFailures > 0 {
		return fmt.Errorf("%d kafka deliveries failed: %s", t.stats.DeliveryFailures, t.stats.LastError)
	}
	return nil
}
