package app

import (
	"context"
	"testing"

	"carpool_message_service/internal/messaging/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func testConversations() []domain.Conversation {
	return []domain.Conversation{
		{ID: "c1", Type: domain.ConversationDirect, Members: []domain.ConversationMember{{UserID: "u1"}, {UserID: "u2"}}, LastActivity: 100},
		{ID: "c2", Type: domain.ConversationRide, LinkedEntityID: "ride-9", Members: []domain.ConversationMember{{UserID: "u1"}, {UserID: "u3"}}, LastActivity: 200},
		{ID: "c3", Type: domain.ConversationDirect, Members: []domain.ConversationMember{{UserID: "u1"}, {UserID: "u4"}}, LastActivity: 300},
	}
}

func loadedDirectory(t *testing.T) (*Directory, *MockConversationRepository) {
	mockConvRepo := new(MockConversationRepository)
	mockRideRepo := new(MockRideRepository)
	mockConvRepo.On("ListByMember", mock.Anything, "u1").Return(testConversations(), nil)
	mockConvRepo.On("GetSettings", mock.Anything, mock.Anything, "u1").Return(domain.ConversationSettings{}, nil)
	mockRideRepo.On("FindRideSummary", mock.Anything, "ride-9").
		Return(&domain.RideSummary{RideID: "ride-9", Origin: "台北", Dest: "新竹"}, nil)

	d := NewDirectory("u1", mockConvRepo, mockRideRepo)
	assert.NoError(t, d.Reload(context.Background()))
	return d, mockConvRepo
}

// 測試 reload 帶出 ride 摘要
func TestDirectory_ReloadWithRideSummary(t *testing.T) {
	d, _ := loadedDirectory(t)
	conv := d.Get("c2")
	assert.NotNil(t, conv)
	assert.NotNil(t, conv.Ride)
	assert.Equal(t, "新竹", conv.Ride.Dest)
}

// 測試新訊息的 in-place patch：preview、last activity、unread 規則
func TestDirectory_ApplyMessagePatch(t *testing.T) {
	d, _ := loadedDirectory(t)

	// 別人的訊息、不在開啟中的 conversation → unread++
	d.ApplyMessage(&domain.Message{ConversationID: "c1", SenderID: "u2", Body: strPtr("hey"), Kind: domain.KindText, CreatedAt: 400})
	conv := d.Get("c1")
	assert.Equal(t, int64(1), conv.UnreadCount)
	assert.Equal(t, "hey", conv.Preview.Body)
	assert.Equal(t, int64(400), conv.LastActivity)

	// 自己的訊息不加 unread
	d.ApplyMessage(&domain.Message{ConversationID: "c1", SenderID: "u1", Body: strPtr("ok"), CreatedAt: 500})
	assert.Equal(t, int64(1), d.Get("c1").UnreadCount)

	// 開啟中的 conversation 不加 unread
	d.SetActive("c2")
	d.ApplyMessage(&domain.Message{ConversationID: "c2", SenderID: "u3", Body: strPtr("yo"), CreatedAt: 600})
	assert.Equal(t, int64(0), d.Get("c2").UnreadCount)
}

// 測試排序：pinned 在前，其餘依最後活動時間新到舊，archived 最後
func TestDirectory_SnapshotOrdering(t *testing.T) {
	d, _ := loadedDirectory(t)

	snap := d.Snapshot()
	assert.Equal(t, []string{"c3", "c2", "c1"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
}

// 測試 pinned 排最前、archived 排最後
func TestDirectory_SnapshotPinnedAndArchived(t *testing.T) {
	mockConvRepo := new(MockConversationRepository)
	mockConvRepo.On("ListByMember", mock.Anything, "u1").Return(testConversations(), nil)
	mockConvRepo.On("GetSettings", mock.Anything, "c1", "u1").Return(domain.ConversationSettings{Pinned: true}, nil)
	mockConvRepo.On("GetSettings", mock.Anything, "c2", "u1").Return(domain.ConversationSettings{}, nil)
	mockConvRepo.On("GetSettings", mock.Anything, "c3", "u1").Return(domain.ConversationSettings{Archived: true}, nil)

	d := NewDirectory("u1", mockConvRepo, nil)
	assert.NoError(t, d.Reload(context.Background()))

	snap := d.Snapshot()
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
}

// 測試自己的 read marker (其他裝置) 讓 unread 歸零
func TestDirectory_OwnReadMarkerResetsUnread(t *testing.T) {
	d, _ := loadedDirectory(t)
	d.ApplyMessage(&domain.Message{ConversationID: "c1", SenderID: "u2", Body: strPtr("a"), CreatedAt: 400})
	d.ApplyMessage(&domain.Message{ConversationID: "c1", SenderID: "u2", Body: strPtr("b"), CreatedAt: 401})
	assert.Equal(t, int64(2), d.Get("c1").UnreadCount)

	d.ApplyOwnReadMarker("c1")
	assert.Equal(t, int64(0), d.Get("c1").UnreadCount)
}

// 測試 tombstone 訊息的 preview 不留內文
func TestDirectory_DeletedMessagePreview(t *testing.T) {
	d, _ := loadedDirectory(t)
	d.ApplyMessage(&domain.Message{ConversationID: "c1", SenderID: "u2", DeletedAt: 999, CreatedAt: 400, Kind: domain.KindText})
	assert.Empty(t, d.Get("c1").Preview.Body)
}
