package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

// ConversationType definition conversation type
type ConversationType string

const (
	// ConversationDirect 1對1 私訊
	ConversationDirect ConversationType = "direct"
	// ConversationRide 綁定單次共乘行程
	ConversationRide ConversationType = "ride"
	// ConversationTrip 綁定長期路線
	ConversationTrip ConversationType = "trip"
)

// MemberRole conversation 內的角色
type MemberRole string

const (
	// RoleDriver 駕駛
	RoleDriver MemberRole = "driver"
	// RolePassenger 乘客
	RolePassenger MemberRole = "passenger"
)

// ConversationMember conversation 成員
type ConversationMember struct {
	UserID     string     `bson:"user_id" json:"user_id"`
	Role       MemberRole `bson:"role" json:"role"`
	Name       string     `bson:"name,omitempty" json:"name,omitempty"`
	AvatarPath string     `bson:"avatar_path,omitempty" json:"avatar_path,omitempty"`
	LastSeenAt int64      `bson:"last_seen_at,omitempty" json:"last_seen_at,omitempty"`
}

// ConversationSettings 使用者自己的 conversation 設定
type ConversationSettings struct {
	Pinned   bool `bson:"pinned" json:"pinned"`
	Muted    bool `bson:"muted" json:"muted"`
	Archived bool `bson:"archived" json:"archived"`
}

// Preview conversation 清單顯示用的最後一則訊息摘要
type Preview struct {
	Body     string      `bson:"body,omitempty" json:"body,omitempty"`
	Kind     ContentKind `bson:"kind,omitempty" json:"kind,omitempty"`
	SenderID string      `bson:"sender_id,omitempty" json:"sender_id,omitempty"`
}

// Conversation 一組成員共享的訊息串
type Conversation struct {
	ID             string               `bson:"_id,omitempty" json:"id"`
	Type           ConversationType     `bson:"type" json:"type"`
	LinkedEntityID string               `bson:"linked_entity_id,omitempty" json:"linked_entity_id,omitempty"`
	MemberKey      string               `bson:"member_key" json:"-"` // (type, entity, member set) 的唯一鍵
	Members        []ConversationMember `bson:"members" json:"members"`
	LastActivity   int64                `bson:"last_activity" json:"last_activity"`
	Preview        Preview              `bson:"preview,omitempty" json:"preview"`

	// 使用者視角的欄位，由 client 端計算或 per-user 存放
	Settings    ConversationSettings `bson:"-" json:"settings"`
	UnreadCount int64                `bson:"-" json:"unread_count"`
	Ride        *RideSummary         `bson:"-" json:"ride,omitempty"`
}

// MemberKeyFor 計算 (type, linked entity, member set) 的唯一鍵。
// 成員排序後雜湊，確保 get-or-create 冪等、不因成員順序產生重複房間
func MemberKeyFor(t ConversationType, linkedEntityID string, memberIDs []string) string {
	ids := make([]string, len(memberIDs))
	copy(ids, memberIDs)
	sort.Strings(ids)
	h := sha1.Sum([]byte(string(t) + "|" + linkedEntityID + "|" + strings.Join(ids, ",")))
	return hex.EncodeToString(h[:])
}

// HasMember check conversation have user
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// RideSummary 行程摘要 (ride-linked conversation 清單顯示用)
type RideSummary struct {
	RideID    string `json:"ride_id" gorm:"column:id;primaryKey"`
	Origin    string `json:"origin" gorm:"column:origin"`
	Dest      string `json:"dest" gorm:"column:dest"`
	DepartAt  int64  `json:"depart_at" gorm:"column:depart_at"`
	SeatsFree int    `json:"seats_free" gorm:"column:seats_free"`
}

// TableName gorm table name
func (RideSummary) TableName() string { return "rides" }
