package domain

// QueueState 離線佇列項目狀態
type QueueState string

const (
	// QueueStateQueued 等待下一次 reconcile 送出
	QueueStateQueued QueueState = "queued"
	// QueueStateScheduled 排程中，send-at 未到
	QueueStateScheduled QueueState = "scheduled"
	// QueueStateFailed 自動重試次數用完，等待手動重試
	QueueStateFailed QueueState = "failed"
)

// QueuedSendItem 等待 server 確認的訊息。
// 同一個 ClientKey 只會有一筆；確認成功後移除，失敗保留給使用者手動重試
type QueuedSendItem struct {
	Message   Message    `json:"message"`
	SendAt    int64      `json:"send_at"` // unix milli，0 或過去表示立即
	State     QueueState `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
}

// Due send-at 是否已到 (可嘗試送出)
func (it *QueuedSendItem) Due(nowMilli int64) bool {
	return it.SendAt <= nowMilli
}

// ConversationUnread definition unread by conversation
type ConversationUnread struct {
	ConversationID string `bson:"_id" json:"conversation_id"`
	UnreadCount    int    `bson:"unread_count" json:"unread_count"`
	LastUnreadTS   int64  `bson:"last_unread_ts" json:"last_unread_ts"`
}

// ReadMarker (conversation, user) 的最後已讀位置
type ReadMarker struct {
	ConversationID string `bson:"conversation_id" json:"conversation_id"`
	UserID         string `bson:"user_id" json:"user_id"`
	LastReadAt     int64  `bson:"last_read_at" json:"last_read_at"`
	LastReadMsgID  string `bson:"last_read_msg_id,omitempty" json:"last_read_msg_id,omitempty"`
}
