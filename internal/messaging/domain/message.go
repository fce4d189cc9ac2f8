package domain

// ContentKind definition message content kind
type ContentKind string

const (
	// KindText 純文字訊息
	KindText ContentKind = "text"
	// KindImage 圖片訊息
	KindImage ContentKind = "image"
	// KindVideo 影片訊息
	KindVideo ContentKind = "video"
	// KindFile 一般檔案
	KindFile ContentKind = "file"
	// KindVoice 語音訊息
	KindVoice ContentKind = "voice"
	// KindSystem 系統訊息 (加入/離開等)
	KindSystem ContentKind = "system"
	// KindRideRef 行程卡片 (分享共乘行程)
	KindRideRef ContentKind = "ride_ref"
	// KindBookingRef 預約卡片 (分享預約)
	KindBookingRef ContentKind = "booking_ref"
)

// DeliveryState 訊息在 client 端的遞送狀態，不會寫入遠端
type DeliveryState string

const (
	// DeliverySending 送出中 (等待 server 回應)
	DeliverySending DeliveryState = "sending"
	// DeliverySent server 已確認
	DeliverySent DeliveryState = "sent"
	// DeliveryDelivered 對方已收到
	DeliveryDelivered DeliveryState = "delivered"
	// DeliveryRead 對方已讀
	DeliveryRead DeliveryState = "read"
	// DeliveryFailed 送出失敗，等待手動重試
	DeliveryFailed DeliveryState = "failed"
	// DeliveryQueued 在離線佇列中等待送出
	DeliveryQueued DeliveryState = "queued"
	// DeliveryScheduled 排程訊息，時間到才送出
	DeliveryScheduled DeliveryState = "scheduled"
)

// Attachment 訊息附件。URL 是 server 簽發的暫時連結，可能尚未解析
type Attachment struct {
	Path string `bson:"path" json:"path"`
	Size int64  `bson:"size" json:"size"`
	Mime string `bson:"mime" json:"mime"`
	URL  string `bson:"-" json:"url,omitempty"`
}

// Reaction 單一使用者對訊息的表情回應
type Reaction struct {
	UserID    string `bson:"user_id" json:"user_id"`
	Emoji     string `bson:"emoji" json:"emoji"`
	Timestamp int64  `bson:"timestamp" json:"timestamp"`
}

// LinkPreview 連結預覽 (由背景 worker 解析)
type LinkPreview struct {
	URL         string `bson:"url" json:"url"`
	Title       string `bson:"title,omitempty" json:"title,omitempty"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
	ImageURL    string `bson:"image_url,omitempty" json:"image_url,omitempty"`
}

// SharedLocation 分享位置
type SharedLocation struct {
	Lat   float64 `bson:"lat" json:"lat"`
	Lng   float64 `bson:"lng" json:"lng"`
	Label string  `bson:"label,omitempty" json:"label,omitempty"`
}

// MessageMeta 訊息的自由欄位 (連結預覽、位置、分享實體、排程時間)
type MessageMeta struct {
	Preview     *LinkPreview    `bson:"preview,omitempty" json:"preview,omitempty"`
	Location    *SharedLocation `bson:"location,omitempty" json:"location,omitempty"`
	EntityID    string          `bson:"entity_id,omitempty" json:"entity_id,omitempty"`
	ScheduledAt int64           `bson:"scheduled_at,omitempty" json:"scheduled_at,omitempty"`
}

// Message 表示一則聊天訊息
// ID 由 server 指派，在 server 接受寫入前為空；ClientKey 在編寫時由 client
// 產生，重送同一則訊息時不變 (idempotency key)
type Message struct {
	ID             string       `bson:"_id,omitempty" json:"id,omitempty"`
	ClientKey      string       `bson:"client_key" json:"client_key"`
	ConversationID string       `bson:"conversation_id" json:"conversation_id"`
	SenderID       string       `bson:"sender_id" json:"sender_id"`
	Body           *string      `bson:"body,omitempty" json:"body,omitempty"` // nullable，允許純附件訊息
	Kind           ContentKind  `bson:"kind" json:"kind"`
	CreatedAt      int64        `bson:"created_at" json:"created_at"` // unix milli
	EditedAt       int64        `bson:"edited_at,omitempty" json:"edited_at,omitempty"`
	DeletedAt      int64        `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	ReplyTo        string       `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
	Attachments    []Attachment `bson:"attachments,omitempty" json:"attachments,omitempty"`
	Meta           *MessageMeta `bson:"meta,omitempty" json:"meta,omitempty"`
	Reactions      []Reaction   `bson:"reactions,omitempty" json:"reactions,omitempty"`

	// Delivery 只存在 client 端，不會持久化到遠端
	Delivery DeliveryState `bson:"-" json:"delivery,omitempty"`
}

// Confirmed 是否已被 server 接受 (取得 server id)
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// Deleted 是否已被刪除 (remove-for-everyone tombstone)
func (m *Message) Deleted() bool {
	return m.DeletedAt != 0
}

// SortKey 排序用的 tiebreak：同一時間戳時以 ClientKey 決定順序，
// 沒有 ClientKey 的舊資料退回用 server id
func (m *Message) SortKey() string {
	if m.ClientKey != "" {
		return m.ClientKey
	}
	return m.ID
}

// Tombstone 將訊息轉為刪除標記：保留位置，清掉內容與附件
func (m *Message) Tombstone(at int64) {
	m.DeletedAt = at
	m.Body = nil
	m.Attachments = nil
	m.Meta = nil
}
