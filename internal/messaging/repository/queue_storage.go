package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// QueueStorage durable local storage 的窄介面：存取序列化 blob，
// 重開 process 之後仍要在。壞掉的 blob 丟棄，不讓整個 service 掛掉
type QueueStorage interface {
	LoadQueue(ctx context.Context, userID string) ([]domain.QueuedSendItem, error)
	SaveQueue(ctx context.Context, userID string, items []domain.QueuedSendItem) error
	// Hidden set: "delete for me" 的本地隱藏清單，跟 tombstone 無關
	LoadHidden(ctx context.Context, userID string) (map[string]bool, error)
	SaveHidden(ctx context.Context, userID string, hidden map[string]bool) error
}

type redisQueueStorage struct {
	client *redis.Client
}

// NewRedisQueueStorage create a QueueStorage
func NewRedisQueueStorage(client *redis.Client) QueueStorage {
	return &redisQueueStorage{client: client}
}

func queueKey(userID string) string  { return "chat:queue:" + userID }
func hiddenKey(userID string) string { return "chat:hidden:" + userID }

func (s *redisQueueStorage) LoadQueue(ctx context.Context, userID string) ([]domain.QueuedSendItem, error) {
	val, err := s.client.Get(ctx, queueKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load send queue: %w", err)
	}

	var items []domain.QueuedSendItem
	if err := json.Unmarshal([]byte(val), &items); err != nil {
		// 壞掉的佇列直接丟棄，比起 crash，遺失未送出訊息是可接受的下限
		logger.Log.Warn(fmt.Sprintf("discard corrupt send queue blob, user=%s: %v", userID, err))
		_ = s.client.Del(ctx, queueKey(userID)).Err()
		return nil, nil
	}
	return items, nil
}

func (s *redisQueueStorage) SaveQueue(ctx context.Context, userID string, items []domain.QueuedSendItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal send queue: %w", err)
	}
	return s.client.Set(ctx, queueKey(userID), data, 0).Err()
}

func (s *redisQueueStorage) LoadHidden(ctx context.Context, userID string) (map[string]bool, error) {
	val, err := s.client.Get(ctx, hiddenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load hidden set: %w", err)
	}

	var hidden map[string]bool
	if err := json.Unmarshal([]byte(val), &hidden); err != nil {
		logger.Log.Warn(fmt.Sprintf("discard corrupt hidden set blob, user=%s: %v", userID, err))
		_ = s.client.Del(ctx, hiddenKey(userID)).Err()
		return map[string]bool{}, nil
	}
	return hidden, nil
}

func (s *redisQueueStorage) SaveHidden(ctx context.Context, userID string, hidden map[string]bool) error {
	data, err := json.Marshal(hidden)
	if err != nil {
		return fmt.Errorf("marshal hidden set: %w", err)
	}
	return s.client.Set(ctx, hiddenKey(userID), data, 0).Err()
}
