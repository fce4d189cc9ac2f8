package app

import (
	"context"
	"errors"
	"sync"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg/logger"
)

// Capabilities backend 能力偵測。預設走 aggregation 精確計算 unread，
// 第一次拿到 capability 錯誤後整個 session 降級成 0/1 近似值，
// 並通知 UI 顯示 reduced-functionality
type Capabilities struct {
	mu              sync.Mutex
	aggregateUnread bool
	onDegraded      func()
	degradedSent    bool
}

// NewCapabilities create Capabilities (aggregation 預設開啟)
func NewCapabilities(onDegraded func()) *Capabilities {
	return &Capabilities{aggregateUnread: true, onDegraded: onDegraded}
}

// Degraded 是否已降級
func (c *Capabilities) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.aggregateUnread
}

func (c *Capabilities) degrade() {
	c.mu.Lock()
	first := c.aggregateUnread
	c.aggregateUnread = false
	notify := first && !c.degradedSent
	if notify {
		c.degradedSent = true
	}
	c.mu.Unlock()
	if notify && c.onDegraded != nil {
		c.onDegraded()
	}
}

// UnreadCounts 各 conversation 的未讀數。
// 精確路徑失敗時降級為每房一次 HasUnreadSince 的 0/1 值
func (c *Capabilities) UnreadCounts(ctx context.Context, msgRepo repository.MessageRepository, tracker *ReadTracker, userID string, conversationIDs []string) ([]domain.ConversationUnread, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	aggregate := c.aggregateUnread
	c.mu.Unlock()

	if aggregate {
		counts, err := msgRepo.CountUnread(ctx, userID, conversationIDs)
		if err == nil {
			return counts, nil
		}
		if !errors.Is(err, repository.ErrCapabilityUnavailable) {
			return nil, err
		}
		logger.Log.Warn("unread aggregation unavailable, falling back to approximate counts")
		c.degrade()
	}

	// 降級路徑：只回答「有沒有未讀」，計數一律 0 或 1
	out := make([]domain.ConversationUnread, 0, len(conversationIDs))
	for _, convID := range conversationIDs {
		var since int64
		if m := tracker.OwnMarker(convID); m != nil {
			since = m.LastReadAt
		}
		has, err := msgRepo.HasUnreadSince(ctx, convID, userID, since)
		if err != nil {
			return nil, err
		}
		cu := domain.ConversationUnread{ConversationID: convID}
		if has {
			cu.UnreadCount = 1
		}
		out = append(out, cu)
	}
	return out, nil
}
