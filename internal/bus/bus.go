// Package bus provides the named-channel pub/sub layer shared by the news
// and prediction pipelines. Consumers must treat unknown payload fields as
// forward-compatible.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event channels published by the platform.
const (
	TopicNewsClustered    = "NEWS_CLUSTERED"
	TopicNewsAnomaly      = "NEWS_ANOMALY"
	TopicNewsPrediction   = "NEWS_PREDICTION"
	TopicNewsHotClusters  = "NEWS_HOT_CLUSTERS"
	TopicTradeExecuted    = "TRADE_EXECUTED"
	TopicStopLoss         = "STOP_LOSS_TRIGGERED"
	TopicEmergencyStop    = "EMERGENCY_STOP"
	TopicDailyPnL         = "DAILY_PNL"
	TopicReconciliation   = "RECONCILIATION"
	TopicError            = "ERROR"
	TopicInfo             = "INFO"
)

// AllTopics returns every known channel, in a stable order.
func AllTopics() []string {
	return []string{
		TopicNewsClustered,
		TopicNewsAnomaly,
		TopicNewsPrediction,
		TopicNewsHotClusters,
		TopicTradeExecuted,
		TopicStopLoss,
		TopicEmergencyStop,
		TopicDailyPnL,
		TopicReconciliation,
		TopicError,
		TopicInfo,
	}
}

// Message is a single bus message.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler processes delivered messages. Returning an error is logged by the
// bus implementation but does not retry delivery.
type Handler func(ctx context.Context, msg Message) error

// Bus is the pub/sub collaborator interface.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic string, handler Handler) (unsubscribe func(), err error)
	Close() error
}

// NewMessage marshals a payload into a bus message.
func NewMessage(topic string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
