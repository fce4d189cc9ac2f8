package repository

import (
	"context"
	"encoding/json"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// NotifyEvent 推播通知事件 (下游的 notification service 消化)
type NotifyEvent struct {
	RecipientID    string             `json:"recipient_id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	Kind           domain.ContentKind `json:"kind"`
	Preview        string             `json:"preview"`
	SentAt         int64              `json:"sent_at"`
}

// NotifyRepository fire-and-forget 通知發送。失敗只記 log，永遠不擋 send
type NotifyRepository interface {
	NotifyNewMessage(ctx context.Context, ev NotifyEvent)
}

type kafkaNotifyRepository struct {
	writer *kafka.Writer
}

// NewKafkaNotifyRepository create a NotifyRepository
func NewKafkaNotifyRepository(writer *kafka.Writer) NotifyRepository {
	return &kafkaNotifyRepository{writer: writer}
}

func (r *kafkaNotifyRepository) NotifyNewMessage(ctx context.Context, ev NotifyEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Log.Errorf("notify marshal error:", err)
		return
	}

	// 設短 timeout，通知絕對不能拖住訊息送出
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RecipientID),
		Value: data,
	}); err != nil {
		logger.Log.Errorf("notify publish error:", err)
	}
}
