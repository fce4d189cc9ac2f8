package app

import (
	"context"
	"sync"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg/logger"
)

// PresenceTracker ephemeral typing/presence 狀態。事件不落地，
// 每筆帶 TTL，到期自動消失；自己的 typing 廣播有 debounce
type PresenceTracker struct {
	mu       sync.Mutex
	userID   string
	pubsub   repository.RealtimePubSub
	ttl      time.Duration
	debounce time.Duration

	// conversation id → user id → ephemeral 狀態 (帶過期時間)
	typing map[string]map[string]domain.PresenceEntry
	// conversation id → 上次廣播時間
	lastSent map[string]time.Time
}

// NewPresenceTracker create a PresenceTracker
func NewPresenceTracker(userID string, pubsub repository.RealtimePubSub, ttl, debounce time.Duration) *PresenceTracker {
	return &PresenceTracker{
		userID:   userID,
		pubsub:   pubsub,
		ttl:      ttl,
		debounce: debounce,
		typing:   make(map[string]map[string]domain.PresenceEntry),
		lastSent: make(map[string]time.Time),
	}
}

// Apply 收到別人的 typing 事件，記錄並重設 TTL
func (p *PresenceTracker) Apply(ev domain.ChangeEvent) {
	if ev.UserID == "" || ev.UserID == p.userID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.typing[ev.ConversationID]
	if !ok {
		m = make(map[string]domain.PresenceEntry)
		p.typing[ev.ConversationID] = m
	}
	if ev.Typing {
		m[ev.UserID] = domain.PresenceEntry{
			UserID:    ev.UserID,
			Typing:    true,
			ExpiresAt: time.Now().Add(p.ttl).UnixMilli(),
		}
	} else {
		delete(m, ev.UserID)
	}
}

// Broadcast 廣播自己的 typing 狀態。開始打字的事件在 debounce
// 視窗內只送一次；停止打字立刻送
func (p *PresenceTracker) Broadcast(ctx context.Context, conversationID string, typing bool) {
	p.mu.Lock()
	if typing {
		if last, ok := p.lastSent[conversationID]; ok && time.Since(last) < p.debounce {
			p.mu.Unlock()
			return
		}
		p.lastSent[conversationID] = time.Now()
	} else {
		delete(p.lastSent, conversationID)
	}
	p.mu.Unlock()

	ev := &domain.ChangeEvent{
		Type:           domain.EventTyping,
		ConversationID: conversationID,
		UserID:         p.userID,
		Typing:         typing,
	}
	if err := p.pubsub.PublishEvent(ctx, repository.TypingChannel(conversationID), ev); err != nil {
		// typing 是 ephemeral 的，發不出去不影響任何持久狀態
		logger.Log.Warn("presence: broadcast typing: " + err.Error())
	}
}

// TypingUsers 指定 conversation 目前還沒過期的 typing 成員
func (p *PresenceTracker) TypingUsers(conversationID string) []string {
	now := time.Now().UnixMilli()
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.typing[conversationID]
	out := make([]string, 0, len(m))
	for uid, entry := range m {
		if entry.ExpiresAt > now {
			out = append(out, uid)
		}
	}
	return out
}

// RunSweeper 背景清掉過期項目，避免沒再收到事件的殘留
func (p *PresenceTracker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now().UnixMilli())
		}
	}
}

func (p *PresenceTracker) sweep(nowMilli int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for convID, m := range p.typing {
		for uid, entry := range m {
			if entry.ExpiresAt <= nowMilli {
				delete(m, uid)
			}
		}
		if len(m) == 0 {
			delete(p.typing, convID)
		}
	}
}
