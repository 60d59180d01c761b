// Package notify публикует серьёзные аномалии во внешнюю шину сообщений.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecobin-pipeline/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher публикует аномалии в топик Kafka, ключом сообщения служит идентификатор контейнера.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher создаёт издателя для указанных брокеров и топика.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

type anomalyMessage struct {
	ID          string    `json:"id"`
	BinID       string    `json:"bin_id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Observed    float64   `json:"observed"`
	Threshold   float64   `json:"threshold"`
	EventIDs    []int64   `json:"event_ids"`
	DetectedAt  time.Time `json:"detected_at"`
}

// PublishAnomaly отправляет аномалию в топик.
func (p *KafkaPublisher) PublishAnomaly(ctx context.Context, a model.Anomaly) error {
	value, err := json.Marshal(anomalyMessage{
		ID:          a.ID,
		BinID:       a.BinID,
		Type:        string(a.Type),
		Severity:    string(a.Severity),
		Description: a.Description,
		Observed:    a.Observed,
		Threshold:   a.Threshold,
		EventIDs:    a.EventIDs,
		DetectedAt:  a.DetectedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal anomaly: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(a.BinID),
		Value: value,
		Time:  a.DetectedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(a.Type)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish anomaly %s: %w", a.ID, err)
	}

	p.logger.Debug("anomaly published", zap.String("anomaly_id", a.ID), zap.String("bin_id", a.BinID))
	return nil
}

// Close сбрасывает буферы и закрывает соединения.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop ничего не публикует. Используется, если брокеры не настроены.
type Nop struct{}

// PublishAnomaly ничего не делает.
func (Nop) PublishAnomaly(context.Context, model.Anomaly) error { return nil }

// Close ничего не делает.
func (Nop) Close() error { return nil }
