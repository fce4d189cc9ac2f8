package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// Channel 命名：row-change stream 依 conversation / directory 分流，
// ephemeral (typing/presence) 走獨立 channel，不落地
func ConvChannel(conversationID string) string {
	return "chat:conv:" + conversationID
}

// DirectoryChannel 使用者所屬全部 conversation 的彙整 stream
func DirectoryChannel(userID string) string {
	return "chat:dir:" + userID
}

// TypingChannel ephemeral typing/presence channel
func TypingChannel(conversationID string) string {
	return "chat:typing:" + conversationID
}

// RealtimePubSub definition realtime transport 的窄介面
type RealtimePubSub interface {
	// PublishEvent 將事件序列化後發布到指定 channel
	PublishEvent(ctx context.Context, channel string, ev *domain.ChangeEvent) error
	// Subscribe 訂閱 channel，事件交給 handler；底層 stream 中斷時呼叫
	// onDrop (訂閱已失效，由呼叫端決定是否重建)
	Subscribe(ctx context.Context, channel string, handler func(ev domain.ChangeEvent), onDrop func(err error)) error
}

// RedisPubSub definition redis pub/sub
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub create RedisPubSub
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

// PublishEvent 將 event 序列化後，發布到指定 channel
func (r *RedisPubSub) PublishEvent(ctx context.Context, channel string, ev *domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe 訂閱 channel，收到事件後呼叫 handler 處理
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func(ev domain.ChangeEvent), onDrop func(err error)) error {
	sub := r.client.Subscribe(ctx, channel)

	// 先確認訂閱建立成功，失敗直接回報而不是默默重試
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					// 底層 stream 斷了，通知呼叫端重建訂閱
					if onDrop != nil && ctx.Err() == nil {
						onDrop(fmt.Errorf("subscription %s closed", channel))
					}
					return
				}

				var ev domain.ChangeEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					logger.Log.Errorf("pubsub unmarshal error:", err)
					continue
				}
				handler(ev)
			case <-ctx.Done():
				logger.Log.Info(fmt.Sprintf("%s , sub close", channel))
				sub.Close()
				return
			}
		}
	}()
	return nil
}
