package app

import (
	"context"
	"sync"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
)

// SendQueue 單一 user 的離線送出佇列。每次變動都整包寫回
// durable storage，app 重啟後 Load 還原，佇列不會因為斷線或重啟遺失
type SendQueue struct {
	mu      sync.Mutex
	userID  string
	storage repository.QueueStorage
	items   []domain.QueuedSendItem // 入列順序
}

// NewSendQueue create a SendQueue
func NewSendQueue(userID string, storage repository.QueueStorage) *SendQueue {
	return &SendQueue{userID: userID, storage: storage}
}

// Load 從 durable storage 還原佇列
func (q *SendQueue) Load(ctx context.Context) error {
	items, err := q.storage.LoadQueue(ctx, q.userID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return nil
}

// Append 入列一筆待送訊息並立即持久化。同 client key 已存在時不重複入列
func (q *SendQueue) Append(ctx context.Context, item domain.QueuedSendItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Message.ClientKey == item.Message.ClientKey {
			return nil
		}
	}
	q.items = append(q.items, item)
	return q.persistLocked(ctx)
}

// Remove 出列 (送達確認或使用者丟棄)，不存在時為 no-op
func (q *SendQueue) Remove(ctx context.Context, clientKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Message.ClientKey == clientKey {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.persistLocked(ctx)
		}
	}
	return nil
}

// MarkFailed 標記送出失敗，等待使用者 retry 或 discard
func (q *SendQueue) MarkFailed(ctx context.Context, clientKey, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Message.ClientKey == clientKey {
			q.items[i].State = domain.QueueStateFailed
			q.items[i].LastError = reason
			return q.persistLocked(ctx)
		}
	}
	return nil
}

// Requeue 使用者手動 retry：failed 項目歸零重試次數後重新排隊
func (q *SendQueue) Requeue(ctx context.Context, clientKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Message.ClientKey == clientKey && q.items[i].State == domain.QueueStateFailed {
			q.items[i].State = domain.QueueStateQueued
			q.items[i].Attempts = 0
			q.items[i].LastError = ""
			return true, q.persistLocked(ctx)
		}
	}
	return false, nil
}

// RecordAttempt 記一次自動重送失敗；超過上限時轉 failed，
// 回傳是否已轉為 failed
func (q *SendQueue) RecordAttempt(ctx context.Context, clientKey, reason string, maxAttempts int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Message.ClientKey != clientKey {
			continue
		}
		q.items[i].Attempts++
		q.items[i].LastError = reason
		failed := q.items[i].Attempts >= maxAttempts
		if failed {
			q.items[i].State = domain.QueueStateFailed
		}
		return failed, q.persistLocked(ctx)
	}
	return false, nil
}

// Due 回傳到期且可自動送出的項目 (failed 的不算)，保持入列順序
func (q *SendQueue) Due(nowMilli int64) []domain.QueuedSendItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueuedSendItem, 0, len(q.items))
	for _, it := range q.items {
		if it.State != domain.QueueStateFailed && it.Due(nowMilli) {
			out = append(out, it)
		}
	}
	return out
}

// Items 佇列完整快照 (含 failed 與 scheduled)
func (q *SendQueue) Items() []domain.QueuedSendItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueuedSendItem, len(q.items))
	copy(out, q.items)
	return out
}

// Len 佇列長度
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *SendQueue) persistLocked(ctx context.Context) error {
	return q.storage.SaveQueue(ctx, q.userID, q.items)
}
