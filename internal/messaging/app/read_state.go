package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg/logger"
)

// ReadTracker 已讀狀態。本地 marker 立即生效，遠端 upsert 是
// best-effort，失敗只記 log，下次 mark-read 自然補上 (server 端
// last_read_at 取 max，不會倒退)
type ReadTracker struct {
	mu       sync.Mutex
	userID   string
	convRepo repository.ConversationRepository

	// conversation id → 自己的 marker
	own map[string]*domain.ReadMarker
	// conversation id → 其他成員的 last_read_at (計算 read 回條用)
	peers map[string]map[string]int64
}

// NewReadTracker create a ReadTracker
func NewReadTracker(userID string, convRepo repository.ConversationRepository) *ReadTracker {
	return &ReadTracker{
		userID:   userID,
		convRepo: convRepo,
		own:      make(map[string]*domain.ReadMarker),
		peers:    make(map[string]map[string]int64),
	}
}

// LoadMarker 載入自己在指定 conversation 的 marker (開房時呼叫)
func (t *ReadTracker) LoadMarker(ctx context.Context, conversationID string) {
	marker, err := t.convRepo.GetReadMarker(ctx, conversationID, t.userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Log.Errorf("read tracker: load marker", err)
		}
		return
	}
	t.mu.Lock()
	t.own[conversationID] = marker
	t.mu.Unlock()
}

// MarkRead 把 conversation 標到指定訊息為止。本地先更新，
// 遠端失敗不回滾
func (t *ReadTracker) MarkRead(ctx context.Context, conversationID string, upTo *domain.Message) *domain.ReadMarker {
	marker := &domain.ReadMarker{
		ConversationID: conversationID,
		UserID:         t.userID,
		LastReadAt:     time.Now().UnixMilli(),
	}
	if upTo != nil {
		marker.LastReadAt = upTo.CreatedAt
		marker.LastReadMsgID = upTo.ID
	}

	t.mu.Lock()
	if prev, ok := t.own[conversationID]; ok && prev.LastReadAt >= marker.LastReadAt {
		t.mu.Unlock()
		return prev // marker 不倒退
	}
	t.own[conversationID] = marker
	t.mu.Unlock()

	if err := t.convRepo.UpsertReadMarker(ctx, marker); err != nil {
		logger.Log.Errorf("read tracker: upsert marker", err)
	}
	return marker
}

// Apply 收到 read-marker 事件。自己的 marker (別的裝置) 與
// 其他成員的 marker 分開存
func (t *ReadTracker) Apply(ev domain.ChangeEvent) (own bool) {
	if ev.Marker == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Marker.UserID == t.userID {
		if prev, ok := t.own[ev.ConversationID]; !ok || ev.Marker.LastReadAt > prev.LastReadAt {
			t.own[ev.ConversationID] = ev.Marker
		}
		return true
	}
	m, ok := t.peers[ev.ConversationID]
	if !ok {
		m = make(map[string]int64)
		t.peers[ev.ConversationID] = m
	}
	if ev.Marker.LastReadAt > m[ev.Marker.UserID] {
		m[ev.Marker.UserID] = ev.Marker.LastReadAt
	}
	return false
}

// OwnMarker 自己的 marker，沒有時回 nil
func (t *ReadTracker) OwnMarker(conversationID string) *domain.ReadMarker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.own[conversationID]
}

// StateFor 計算自己送出的訊息該顯示的遞送狀態：
// 任一其他成員的 marker 蓋到它即為 read，否則維持 sent
func (t *ReadTracker) StateFor(msg *domain.Message) domain.DeliveryState {
	if !msg.Confirmed() {
		return msg.Delivery
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, at := range t.peers[msg.ConversationID] {
		if at >= msg.CreatedAt {
			return domain.DeliveryRead
		}
	}
	if msg.Delivery == "" {
		return domain.DeliverySent
	}
	return msg.Delivery
}
