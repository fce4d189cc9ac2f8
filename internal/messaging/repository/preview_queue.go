package repository

import (
	"encoding/json"
	"fmt"

	"carpool_message_service/pkg/database"
	"carpool_message_service/pkg/logger"

	"github.com/streadway/amqp"
)

// PreviewJob 背景 worker 的工作單：解析訊息內文的連結預覽
type PreviewJob struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	URL            string `json:"url"`
}

// PreviewQueueName rabbitMQ queue name
const PreviewQueueName = "chat_link_preview"

// PreviewQueue 連結預覽的背景工作佇列。派工是 best-effort：
// 失敗只記 log，訊息照樣送出，預覽之後再補
type PreviewQueue interface {
	DispatchPreview(job PreviewJob)
	// ConsumePreview worker 端訂閱工作
	ConsumePreview() (<-chan amqp.Delivery, error)
}

type rabbitPreviewQueue struct {
	rabbit database.RabbitRepo
}

// NewRabbitPreviewQueue create a PreviewQueue
func NewRabbitPreviewQueue(rabbit database.RabbitRepo) PreviewQueue {
	return &rabbitPreviewQueue{rabbit: rabbit}
}

// DeclarePreviewQueue 宣告 queue (冪等)，service 與 worker 啟動時各自呼叫
func DeclarePreviewQueue(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(PreviewQueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare %s: %w", PreviewQueueName, err)
	}
	return nil
}

func (q *rabbitPreviewQueue) DispatchPreview(job PreviewJob) {
	data, err := json.Marshal(job)
	if err != nil {
		logger.Log.Errorf("preview job marshal error:", err)
		return
	}

	err = q.rabbit.Publish("", PreviewQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
	if err != nil {
		logger.Log.Errorf("preview job publish error:", err)
	}
}

func (q *rabbitPreviewQueue) ConsumePreview() (<-chan amqp.Delivery, error) {
	return q.rabbit.GetRabbit().Consume(PreviewQueueName, "", false, false, false, false, nil)
}
