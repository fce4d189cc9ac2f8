package domain

// EventType realtime row-change 事件種類
type EventType string

const (
	// EventMessageNew 新訊息
	EventMessageNew EventType = "message_new"
	// EventMessageUpdate 訊息更新 (編輯/刪除/reaction/metadata)
	EventMessageUpdate EventType = "message_update"
	// EventReadMarker 已讀標記變更
	EventReadMarker EventType = "read_marker"
	// EventMembership conversation 成員變更
	EventMembership EventType = "membership"
	// EventSettings conversation 設定變更
	EventSettings EventType = "settings"
	// EventTyping ephemeral 輸入中
	EventTyping EventType = "typing"
	// EventPresence ephemeral 上線狀態
	EventPresence EventType = "presence"
)

// ChangeEvent realtime 推播的事件封包。
// 不論事件來自哪個 stream，都走同一條 merge 路徑
type ChangeEvent struct {
	Type           EventType   `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Message        *Message    `json:"message,omitempty"`
	Marker         *ReadMarker `json:"marker,omitempty"`
	UserID         string      `json:"user_id,omitempty"`
	Typing         bool        `json:"typing,omitempty"`
}

// PresenceEntry ephemeral presence/typing 狀態，帶過期時間。
// 靠 sweep 清除，不依賴 "stopped" 事件一定會到
type PresenceEntry struct {
	UserID    string `json:"user_id"`
	Typing    bool   `json:"typing"`
	ExpiresAt int64  `json:"expires_at"` // unix milli
}
