package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guest-access-service/internal/client"
	"guest-access-service/internal/models"
	"guest-access-service/internal/util"
)

// Reporter forwards security events to the external incident /
// IP-blocking system. Reporting is best-effort: a dead pipeline must
// never block or fail a customer request.
type Reporter interface {
	Report(ctx context.Context, event models.SecurityEvent)
}

// KafkaReporter publishes events to the security-incidents topic.
type KafkaReporter struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaReporter(producer *client.KafkaProducer, topic string) *KafkaReporter {
	return &KafkaReporter{
		producer: producer,
		topic:    topic,
	}
}

func (r *KafkaReporter) Report(ctx context.Context, event models.SecurityEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to encode security event", zap.Error(err))
		return
	}

	if r.producer == nil {
		util.Warn("Security event dropped - no incident pipeline",
			zap.String("event_type", event.EventType),
			zap.String("source_ip", event.SourceIP))
		return
	}

	if err := r.producer.ProduceMessage(ctx, r.topic, []byte(event.EventType), payload, nil); err != nil {
		util.Error("Failed to publish security event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return
	}

	util.Info("Security event reported",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID))
}
