package app

import (
	"sort"
	"sync"

	"carpool_message_service/internal/messaging/domain"
)

// MessageCache 單一 conversation 的本地訊息集合。
// 不管訊息從哪裡來 (send 回應、push、queue drain、分頁抓取)，
// 全部走 Merge 這一條路徑去重與排序
type MessageCache struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Message
	byKey  map[string]*domain.Message
	hidden map[string]bool // "delete for me" 的本地隱藏集合
}

// NewMessageCache create a MessageCache
func NewMessageCache() *MessageCache {
	return &MessageCache{
		byID:   make(map[string]*domain.Message),
		byKey:  make(map[string]*domain.Message),
		hidden: make(map[string]bool),
	}
}

// Merge 合併一批訊息：先以 server id 去重，再以 client key 收斂
// optimistic placeholder。同一則邏輯訊息永遠只留一筆
func (c *MessageCache) Merge(incoming ...domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range incoming {
		c.mergeOne(&incoming[i])
	}
}

func (c *MessageCache) mergeOne(in *domain.Message) {
	var existing *domain.Message
	if in.ID != "" {
		existing = c.byID[in.ID]
	}
	if existing == nil && in.ClientKey != "" {
		// server 確認前的 optimistic placeholder 以 client key 收斂
		existing = c.byKey[in.ClientKey]
	}

	if existing == nil {
		cp := *in
		normalizeDelivery(&cp)
		c.index(&cp)
		return
	}

	mergeRecord(existing, in)
	c.index(existing)
}

func (c *MessageCache) index(m *domain.Message) {
	if m.ID != "" {
		c.byID[m.ID] = m
	}
	if m.ClientKey != "" {
		c.byKey[m.ClientKey] = m
	}
}

// mergeRecord 兩筆描述同一則訊息的記錄收斂成一筆：
// server 確認過的欄位優先，client-only 欄位 (delivery、已解析的附件 URL)
// 在對方沒有提供時保留
func mergeRecord(dst, src *domain.Message) {
	switch {
	case src.Confirmed() && dst.Confirmed() && revisionOf(src) < revisionOf(dst):
		// 重疊的分頁或晚到的 push 可能帶著舊版內容，
		// 不能倒退已套用的 edit / tombstone
		restoreResolvedURLs(dst.Attachments, src.Attachments)
	case src.Confirmed():
		keptDelivery := dst.Delivery
		keptAttachments := dst.Attachments
		keptReactions := dst.Reactions
		keptMeta := dst.Meta

		*dst = *src

		if dst.Delivery == "" {
			dst.Delivery = keptDelivery
		}
		// 同版本的兩筆記錄取比較完整的那邊
		if len(dst.Reactions) == 0 && !dst.Deleted() {
			dst.Reactions = keptReactions
		}
		if dst.Meta == nil && !dst.Deleted() {
			dst.Meta = keptMeta
		}
		// push 來的資料可能還沒帶暫時連結，不要丟掉已解析的 URL
		restoreResolvedURLs(dst.Attachments, keptAttachments)
	default:
		// 未確認的記錄不能覆蓋已確認的欄位；delivery 是 client 自己的
		// 狀態，最新的為準 (queued → failed 之類的轉移)
		if src.Delivery != "" {
			dst.Delivery = src.Delivery
		}
		restoreResolvedURLs(dst.Attachments, src.Attachments)
	}

	normalizeDelivery(dst)
}

// revisionOf 訊息內容的版本：tombstone 與 edit 共用同一條時間軸
func revisionOf(m *domain.Message) int64 {
	if m.DeletedAt > m.EditedAt {
		return m.DeletedAt
	}
	return m.EditedAt
}

// normalizeDelivery server 已確認的訊息不會停在 sending/queued 這些暫態
func normalizeDelivery(m *domain.Message) {
	if m.Confirmed() && sendingState(m.Delivery) {
		m.Delivery = domain.DeliverySent
	}
}

func sendingState(s domain.DeliveryState) bool {
	switch s {
	case domain.DeliverySending, domain.DeliveryQueued, domain.DeliveryScheduled, domain.DeliveryFailed, "":
		return true
	}
	return false
}

func restoreResolvedURLs(dst, prev []domain.Attachment) {
	if len(dst) == 0 || len(prev) == 0 {
		return
	}
	for i := range dst {
		if dst[i].URL != "" {
			continue
		}
		for _, p := range prev {
			if p.Path == dst[i].Path && p.URL != "" {
				dst[i].URL = p.URL
				break
			}
		}
	}
}

// SetDelivery 更新單一訊息的 client 端遞送狀態 (queued → failed 等)
func (c *MessageCache) SetDelivery(clientKey string, state domain.DeliveryState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.byKey[clientKey]; m != nil {
		m.Delivery = state
	}
}

// Hide 將訊息加入本地隱藏集合 (delete for me)，與 tombstone 獨立
func (c *MessageCache) Hide(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hidden[messageID] = true
}

// SetHidden 從 durable storage 還原隱藏集合
func (c *MessageCache) SetHidden(hidden map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range hidden {
		c.hidden[id] = true
	}
}

// Remove 移除一筆 (只給佇列丟棄用；正常訊息不會物理移除)
func (c *MessageCache) Remove(clientKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.byKey[clientKey]
	if m == nil {
		return
	}
	delete(c.byKey, clientKey)
	if m.ID != "" {
		delete(c.byID, m.ID)
	}
}

// Snapshot 回傳時間升冪、去重後的訊息序列，含 pending/failed，
// 過濾掉本地隱藏的訊息。timestamp 相同時以 client key 決定順序，
// 每次結果都一樣
func (c *MessageCache) Snapshot() []domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Message, 0, len(c.byKey))
	seen := make(map[*domain.Message]bool, len(c.byKey))
	for _, m := range c.byID {
		if !seen[m] {
			seen[m] = true
			if !c.hidden[m.ID] {
				out = append(out, *m)
			}
		}
	}
	for _, m := range c.byKey {
		if !seen[m] {
			seen[m] = true
			if m.ID == "" || !c.hidden[m.ID] {
				out = append(out, *m)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].SortKey() < out[j].SortKey()
	})
	return out
}

// OldestTS 目前快取中最舊的 created_at，分頁抓更舊訊息的 cursor。
// 空快取回傳 0 (表示從最新開始抓)
func (c *MessageCache) OldestTS() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var oldest int64
	for _, m := range c.byKey {
		if m.Confirmed() && (oldest == 0 || m.CreatedAt < oldest) {
			oldest = m.CreatedAt
		}
	}
	for _, m := range c.byID {
		if oldest == 0 || m.CreatedAt < oldest {
			oldest = m.CreatedAt
		}
	}
	return oldest
}

// Get 以 server id 取單筆 (讀取快照用途以外盡量別用)
func (c *MessageCache) Get(messageID string) *domain.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m := c.byID[messageID]; m != nil {
		cp := *m
		return &cp
	}
	return nil
}

// Newest 回傳最新一筆已確認訊息 (mark-read 用)
func (c *MessageCache) Newest() *domain.Message {
	snap := c.Snapshot()
	for i := len(snap) - 1; i >= 0; i-- {
		if snap[i].Confirmed() {
			cp := snap[i]
			return &cp
		}
	}
	return nil
}
