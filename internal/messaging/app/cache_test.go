package app

import (
	"os"
	"testing"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/pkg/logger"

	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	logger.SetNewNop()
	os.Exit(m.Run())
}

func strPtr(s string) *string { return &s }

// 測試 optimistic placeholder 被 server 確認收斂成一筆
func TestMessageCache_MergeCollapsesByClientKey(t *testing.T) {
	cache := NewMessageCache()

	optimistic := domain.Message{
		ClientKey:      "k1",
		ConversationID: "conv-1",
		SenderID:       "u1",
		Body:           strPtr("hello"),
		Kind:           domain.KindText,
		CreatedAt:      1000,
		Delivery:       domain.DeliveryQueued,
	}
	cache.Merge(optimistic)

	confirmed := optimistic
	confirmed.ID = "m1"
	confirmed.Delivery = ""
	cache.Merge(confirmed)

	snap := cache.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, "k1", snap[0].ClientKey)
	// 確認後不再停在 queued
	assert.Equal(t, domain.DeliverySent, snap[0].Delivery)
}

// 測試同 server id 去重，push 與 drain 回應誰先到結果都一樣
func TestMessageCache_MergeCommutative(t *testing.T) {
	confirmed := domain.Message{
		ID:             "m1",
		ClientKey:      "k1",
		ConversationID: "conv-1",
		SenderID:       "u1",
		Body:           strPtr("hello"),
		CreatedAt:      1000,
	}
	optimistic := confirmed
	optimistic.ID = ""
	optimistic.Delivery = domain.DeliveryQueued

	a := NewMessageCache()
	a.Merge(optimistic)
	a.Merge(confirmed)
	a.Merge(confirmed) // push 又送了一次

	b := NewMessageCache()
	b.Merge(confirmed)
	b.Merge(optimistic)

	snapA := a.Snapshot()
	snapB := b.Snapshot()
	assert.Len(t, snapA, 1)
	assert.Len(t, snapB, 1)
	assert.Equal(t, snapA[0].ID, snapB[0].ID)
	assert.Equal(t, snapA[0].Delivery, snapB[0].Delivery)
}

// 測試 edit 後的版本不被晚到的舊版 push 倒退，兩種到達順序結果相同
func TestMessageCache_EditNotRevertedByStalePush(t *testing.T) {
	orig := domain.Message{
		ID:             "m1",
		ClientKey:      "k1",
		ConversationID: "conv-1",
		SenderID:       "u1",
		Body:           strPtr("hello"),
		CreatedAt:      1000,
	}
	edited := orig
	edited.Body = strPtr("hello world")
	edited.EditedAt = 2000
	edited.Reactions = []domain.Reaction{{UserID: "u2", Emoji: "👍", Timestamp: 1500}}

	a := NewMessageCache()
	a.Merge(orig)
	a.Merge(edited)

	b := NewMessageCache()
	b.Merge(edited)
	b.Merge(orig) // 重疊的分頁帶回舊版

	for _, snap := range [][]domain.Message{a.Snapshot(), b.Snapshot()} {
		assert.Len(t, snap, 1)
		assert.Equal(t, "hello world", *snap[0].Body)
		assert.Equal(t, int64(2000), snap[0].EditedAt)
		assert.Len(t, snap[0].Reactions, 1)
	}
}

// 測試 tombstone 不會被晚到的原始內容復活
func TestMessageCache_TombstoneNotResurrected(t *testing.T) {
	orig := domain.Message{
		ID:             "m1",
		ClientKey:      "k1",
		ConversationID: "conv-1",
		SenderID:       "u1",
		Body:           strPtr("hello"),
		CreatedAt:      1000,
	}
	deleted := orig
	deleted.Tombstone(2000)

	cache := NewMessageCache()
	cache.Merge(deleted)
	cache.Merge(orig)

	snap := cache.Snapshot()
	assert.Len(t, snap, 1)
	assert.True(t, snap[0].Deleted())
	assert.Nil(t, snap[0].Body)
	assert.Empty(t, snap[0].Reactions)
}

// 測試重複 merge 同一筆已確認訊息是 no-op：第一次進快取就定下 sent
func TestMessageCache_IdempotentRemerge(t *testing.T) {
	msg := domain.Message{ID: "m1", ClientKey: "k1", ConversationID: "conv-1", CreatedAt: 1000}

	cache := NewMessageCache()
	cache.Merge(msg)
	first := cache.Snapshot()
	assert.Equal(t, domain.DeliverySent, first[0].Delivery)

	cache.Merge(msg)
	assert.Equal(t, first, cache.Snapshot())
}

// 測試相同 timestamp 以 client key 決定順序，結果穩定
func TestMessageCache_OrderingTiebreak(t *testing.T) {
	cache := NewMessageCache()
	m1 := domain.Message{ID: "b-id", ClientKey: "k2", ConversationID: "c", CreatedAt: 1000}
	m2 := domain.Message{ID: "a-id", ClientKey: "k1", ConversationID: "c", CreatedAt: 1000}
	m3 := domain.Message{ID: "c-id", ClientKey: "k3", ConversationID: "c", CreatedAt: 500}

	cache.Merge(m1, m2, m3)
	snap := cache.Snapshot()

	assert.Equal(t, "k3", snap[0].ClientKey) // 較早的在前
	assert.Equal(t, "k1", snap[1].ClientKey) // 同時間 k1 < k2
	assert.Equal(t, "k2", snap[2].ClientKey)

	// 重複 merge 不改變順序
	cache.Merge(m2, m1)
	again := cache.Snapshot()
	assert.Equal(t, snap, again)
}

// 測試已解析的附件 URL 不被 push 來的空 URL 蓋掉
func TestMessageCache_KeepsResolvedAttachmentURL(t *testing.T) {
	cache := NewMessageCache()
	resolved := domain.Message{
		ID:             "m1",
		ClientKey:      "k1",
		ConversationID: "c",
		CreatedAt:      1000,
		Attachments:    []domain.Attachment{{Path: "u1/a.jpg", Size: 10, Mime: "image/jpeg", URL: "https://minio/presigned"}},
	}
	cache.Merge(resolved)

	fromPush := resolved
	fromPush.Attachments = []domain.Attachment{{Path: "u1/a.jpg", Size: 10, Mime: "image/jpeg"}}
	cache.Merge(fromPush)

	snap := cache.Snapshot()
	assert.Equal(t, "https://minio/presigned", snap[0].Attachments[0].URL)
}

// 測試 delete-for-me 的本地隱藏：不影響其他訊息
func TestMessageCache_HiddenFilter(t *testing.T) {
	cache := NewMessageCache()
	cache.Merge(
		domain.Message{ID: "m1", ClientKey: "k1", ConversationID: "c", CreatedAt: 1},
		domain.Message{ID: "m2", ClientKey: "k2", ConversationID: "c", CreatedAt: 2},
	)
	cache.Hide("m1")

	snap := cache.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, "m2", snap[0].ID)
}

// 測試未確認記錄的 delivery 變化 (queued → failed) 會被採納
func TestMessageCache_DeliveryTransition(t *testing.T) {
	cache := NewMessageCache()
	cache.Merge(domain.Message{ClientKey: "k1", ConversationID: "c", CreatedAt: 1, Delivery: domain.DeliveryQueued})
	cache.Merge(domain.Message{ClientKey: "k1", ConversationID: "c", CreatedAt: 1, Delivery: domain.DeliveryFailed})

	snap := cache.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, domain.DeliveryFailed, snap[0].Delivery)
}

// 測試分頁抓更舊訊息的 cursor
func TestMessageCache_OldestTS(t *testing.T) {
	cache := NewMessageCache()
	assert.Equal(t, int64(0), cache.OldestTS())

	cache.Merge(
		domain.Message{ID: "m1", ClientKey: "k1", ConversationID: "c", CreatedAt: 500},
		domain.Message{ID: "m2", ClientKey: "k2", ConversationID: "c", CreatedAt: 900},
	)
	assert.Equal(t, int64(500), cache.OldestTS())
}
