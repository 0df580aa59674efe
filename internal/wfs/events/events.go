// Package events publishes feature mutation events so downstream caches
// and indexes can invalidate. Publishing is best-effort: transaction
// outcomes never depend on the broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
)

type Event struct {
	Version   int         `json:"version"`
	Op        string      `json:"op"`
	Layer     string      `json:"layer"`
	TS        time.Time   `json:"ts"`
	FeatureID string      `json:"feature_id,omitempty"`
	Source    string      `json:"source,omitempty"`
	BBox      *model.BBox `json:"bbox,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "replace":
	default:
		return fmt.Errorf("op must be insert|update|delete|replace")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event; used when the event stream is disabled.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
}

func NewKafka(brokers []string, topic string, log *slog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaPublisher{producer: p, topic: topic, log: log}, nil
}

func (k *KafkaPublisher) Publish(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(e.Layer),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return fmt.Errorf("kafka send: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error { return k.producer.Close() }
