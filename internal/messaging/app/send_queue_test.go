package app

import (
	"context"
	"testing"

	"carpool_message_service/internal/messaging/domain"

	"github.com/stretchr/testify/assert"
)

func queuedItem(convID, key string, sendAt int64) domain.QueuedSendItem {
	return domain.QueuedSendItem{
		Message: domain.Message{
			ClientKey:      key,
			ConversationID: convID,
			SenderID:       "u1",
			Body:           strPtr("queued body"),
			CreatedAt:      1000,
		},
		SendAt: sendAt,
		State:  domain.QueueStateQueued,
	}
}

// 測試同 client key 重複入列是 no-op
func TestSendQueue_AppendDedupe(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryQueueStorage()
	q := NewSendQueue("u1", storage)

	assert.NoError(t, q.Append(ctx, queuedItem("c1", "k1", 0)))
	assert.NoError(t, q.Append(ctx, queuedItem("c1", "k1", 0)))
	assert.Equal(t, 1, q.Len())
}

// 測試佇列持久化：重啟 (重新 Load) 後項目還在
func TestSendQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryQueueStorage()

	q := NewSendQueue("u1", storage)
	assert.NoError(t, q.Append(ctx, queuedItem("c1", "k1", 0)))
	assert.NoError(t, q.Append(ctx, queuedItem("c1", "k2", 0)))

	// 模擬 app 重啟
	restarted := NewSendQueue("u1", storage)
	assert.NoError(t, restarted.Load(ctx))
	items := restarted.Items()
	assert.Len(t, items, 2)
	assert.Equal(t, "k1", items[0].Message.ClientKey)
	assert.Equal(t, "k2", items[1].Message.ClientKey)
}

// 測試 failed 項目不會被自動送出，requeue 後恢復
func TestSendQueue_FailedRequeue(t *testing.T) {
	ctx := context.Background()
	q := NewSendQueue("u1", newMemoryQueueStorage())

	assert.NoError(t, q.Append(ctx, queuedItem("c1", "k1", 0)))
	assert.NoError(t, q.MarkFailed(ctx, "k1", "boom"))
	assert.Empty(t, q.Due(2000))

	ok, err := q.Requeue(ctx, "k1")
	assert.NoError(t, err)
	assert.True(t, ok)
	due := q.Due(2000)
	assert.Len(t, due, 1)
	assert.Zero(t, due[0].Attempts)
}

// 測試自動重試次數用完轉 failed
func TestSendQueue_RecordAttemptExhaustion(t *testing.T) {
	ctx := context.Background()
	q := NewSendQueue("u1", newMemoryQueueStorage())
	assert.NoError(t, q.Append(ctx, queuedItem("c1", "k1", 0)))

	failed, err := q.RecordAttempt(ctx, "k1", "timeout", 2)
	assert.NoError(t, err)
	assert.False(t, failed)

	failed, err = q.RecordAttempt(ctx, "k1", "timeout", 2)
	assert.NoError(t, err)
	assert.True(t, failed)
	assert.Equal(t, domain.QueueStateFailed, q.Items()[0].State)
	assert.Equal(t, "timeout", q.Items()[0].LastError)
}

// 測試排程項目 send-at 未到不會被 drain
func TestSendQueue_ScheduledNotDueYet(t *testing.T) {
	ctx := context.Background()
	q := NewSendQueue("u1", newMemoryQueueStorage())

	item := queuedItem("c1", "k1", 5000)
	item.State = domain.QueueStateScheduled
	assert.NoError(t, q.Append(ctx, item))

	assert.Empty(t, q.Due(4999))
	assert.Len(t, q.Due(5000), 1)
}

// 測試 Remove 冪等
func TestSendQueue_RemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewSendQueue("u1", newMemoryQueueStorage())
	assert.NoError(t, q.Append(ctx, queuedItem("c1", "k1", 0)))

	assert.NoError(t, q.Remove(ctx, "k1"))
	assert.NoError(t, q.Remove(ctx, "k1"))
	assert.Zero(t, q.Len())
}
