package app

import (
	"context"
	"sort"
	"sync"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg/logger"
)

// Directory 使用者的 conversation 清單。新訊息事件只做 in-place patch
// (preview、last activity、unread)；成員或設定異動直接整份 reload
type Directory struct {
	mu       sync.RWMutex
	userID   string
	convRepo repository.ConversationRepository
	rideRepo repository.RideRepository
	convs    map[string]*domain.Conversation
	active   string // 目前開啟中的 conversation
}

// NewDirectory create a Directory
func NewDirectory(userID string, convRepo repository.ConversationRepository, rideRepo repository.RideRepository) *Directory {
	return &Directory{
		userID:   userID,
		convRepo: convRepo,
		rideRepo: rideRepo,
		convs:    make(map[string]*domain.Conversation),
	}
}

// Reload 整份重新載入：清單 + 每個 conversation 的個人設定。
// ride conversation 順便帶行程摘要，拿不到摘要不算錯
func (d *Directory) Reload(ctx context.Context) error {
	list, err := d.convRepo.ListByMember(ctx, d.userID)
	if err != nil {
		return err
	}

	next := make(map[string]*domain.Conversation, len(list))
	for i := range list {
		conv := list[i]
		settings, err := d.convRepo.GetSettings(ctx, conv.ID, d.userID)
		if err != nil {
			logger.Log.Errorf("directory: load settings", err)
		} else {
			conv.Settings = settings
		}
		if conv.Type == domain.ConversationRide && d.rideRepo != nil && conv.LinkedEntityID != "" {
			if ride, err := d.rideRepo.FindRideSummary(ctx, conv.LinkedEntityID); err == nil {
				conv.Ride = ride
			}
		}
		// patch 過的 unread 在 reload 之間先保留，等下一次 unread 查詢校正
		if prev, ok := d.convs[conv.ID]; ok {
			conv.UnreadCount = prev.UnreadCount
		}
		next[conv.ID] = &conv
	}

	d.mu.Lock()
	d.convs = next
	d.mu.Unlock()
	return nil
}

// SetActive 記錄目前開啟中的 conversation，空字串表示沒有
func (d *Directory) SetActive(convID string) {
	d.mu.Lock()
	d.active = convID
	d.mu.Unlock()
}

// Active 目前開啟中的 conversation id
func (d *Directory) Active() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// ApplyMessage 新訊息的 in-place patch。不是自己送的、
// 又不在開啟中的 conversation 才累加 unread
func (d *Directory) ApplyMessage(msg *domain.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.convs[msg.ConversationID]
	if !ok {
		return // 還沒載到的 conversation 交給 reload
	}
	if msg.CreatedAt >= conv.LastActivity {
		conv.LastActivity = msg.CreatedAt
		conv.Preview = previewOf(msg)
	}
	if msg.SenderID != d.userID && msg.ConversationID != d.active {
		conv.UnreadCount++
	}
}

func previewOf(msg *domain.Message) domain.Preview {
	p := domain.Preview{Kind: msg.Kind, SenderID: msg.SenderID}
	if !msg.Deleted() && msg.Body != nil {
		p.Body = *msg.Body
	}
	return p
}

// ApplyOwnReadMarker 自己在別的裝置讀掉了，unread 歸零
func (d *Directory) ApplyOwnReadMarker(convID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.convs[convID]; ok {
		conv.UnreadCount = 0
	}
}

// ApplySettings 立即套用自己的設定變更，不等下一次 reload
func (d *Directory) ApplySettings(convID string, s domain.ConversationSettings) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.convs[convID]; ok {
		conv.Settings = s
	}
}

// SetUnread 以 server 端計數校正單一 conversation 的 unread
func (d *Directory) SetUnread(convID string, n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.convs[convID]; ok {
		conv.UnreadCount = n
	}
}

// Get 單一 conversation 的拷貝
func (d *Directory) Get(convID string) *domain.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if conv, ok := d.convs[convID]; ok {
		cp := *conv
		return &cp
	}
	return nil
}

// IDs 目前已載入的 conversation id
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.convs))
	for id := range d.convs {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot 排序後的清單：pinned 在前，其餘依最後活動時間新到舊。
// archived 的放最後
func (d *Directory) Snapshot() []domain.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.Conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		out = append(out, *conv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Settings.Archived != out[j].Settings.Archived {
			return !out[i].Settings.Archived
		}
		if out[i].Settings.Pinned != out[j].Settings.Pinned {
			return out[i].Settings.Pinned
		}
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}
