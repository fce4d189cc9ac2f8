package domain

// Action websocket request action
type Action string

const (
	// OpenConversation websocket action open_conversation
	OpenConversation Action = "open_conversation"
	// CloseConversation websocket action close_conversation
	CloseConversation Action = "close_conversation"
	// CreateConversation websocket action create_conversation (get-or-create)
	CreateConversation Action = "create_conversation"

	// SendMessage websocket action send_message
	SendMessage Action = "send_message"
	// EditMessage websocket action edit_message
	EditMessage Action = "edit_message"
	// DeleteMessage websocket action delete_message (remove for everyone)
	DeleteMessage Action = "delete_message"
	// DeleteForMe websocket action delete_for_me (local hide)
	DeleteForMe Action = "delete_for_me"
	// React websocket action react
	React Action = "react"
	// RetrySend websocket action retry_send
	RetrySend Action = "retry_send"
	// DiscardSend websocket action discard_send (丟棄 failed 項目)
	DiscardSend Action = "discard_send"

	// MarkRead websocket action mark_read
	MarkRead Action = "mark_read"
	// LoadOlder websocket action load_older
	LoadOlder Action = "load_older"
	// Typing websocket action typing
	Typing Action = "typing"

	// UpdateSettings websocket action update_settings (pin/mute/archive)
	UpdateSettings Action = "update_settings"
	// GetDirectory websocket action get_directory
	GetDirectory Action = "get_directory"
	// GetUnread websocket action get_unread
	GetUnread Action = "get_unread"

	// NotifyEvent server 主動推播的事件
	NotifyEvent Action = "notify_event"
	// NotifySlow 連線變慢提示
	NotifySlow Action = "notify_slow"
	// NotifyDegraded 降級模式提示 (reduced functionality banner)
	NotifyDegraded Action = "notify_degraded"
)

// WSRequest websocket Request
type WSRequest struct {
	Action           string       `json:"action"`
	ConversationID   string       `json:"conversation_id,omitempty"`
	ConversationType string       `json:"conversation_type,omitempty"`
	LinkedEntityID   string       `json:"linked_entity_id,omitempty"`
	Members          []string     `json:"members,omitempty"`
	MessageID        string       `json:"message_id,omitempty"`
	ClientKey        string       `json:"client_key,omitempty"`
	Body             string       `json:"body,omitempty"`
	Kind             string       `json:"kind,omitempty"`
	ReplyTo          string       `json:"reply_to,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ScheduledAt      int64        `json:"scheduled_at,omitempty"`
	Emoji            string       `json:"emoji,omitempty"`
	Typing           bool         `json:"typing,omitempty"`
	BeforeTS         int64        `json:"before_ts,omitempty"`
	Limit            int          `json:"limit,omitempty"`

	// Settings update_settings 專用，一次帶齊三個旗標
	Settings *ConversationSettings `json:"settings,omitempty"`
}

// WSResponse websocket Response
type WSResponse struct {
	Action  string                 `json:"action"`
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}
