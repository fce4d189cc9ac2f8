package app

import (
	"context"
	"testing"

	"carpool_message_service/internal/messaging/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// 測試 mark-read 本地立即生效，遠端失敗不影響本地 marker
func TestReadTracker_MarkReadRemoteBestEffort(t *testing.T) {
	ctx := context.Background()
	mockConvRepo := new(MockConversationRepository)
	mockConvRepo.On("UpsertReadMarker", ctx, mock.Anything).Return(assert.AnError)

	tracker := NewReadTracker("u1", mockConvRepo)
	marker := tracker.MarkRead(ctx, "c1", &domain.Message{ID: "m1", ConversationID: "c1", CreatedAt: 1000})

	assert.Equal(t, int64(1000), marker.LastReadAt)
	assert.Equal(t, marker, tracker.OwnMarker("c1"))
	mockConvRepo.AssertExpectations(t)
}

// 測試 marker 不倒退
func TestReadTracker_MarkerNeverRegresses(t *testing.T) {
	ctx := context.Background()
	mockConvRepo := new(MockConversationRepository)
	mockConvRepo.On("UpsertReadMarker", ctx, mock.Anything).Return(nil)

	tracker := NewReadTracker("u1", mockConvRepo)
	tracker.MarkRead(ctx, "c1", &domain.Message{ID: "m2", ConversationID: "c1", CreatedAt: 2000})
	got := tracker.MarkRead(ctx, "c1", &domain.Message{ID: "m1", ConversationID: "c1", CreatedAt: 1000})

	assert.Equal(t, int64(2000), got.LastReadAt)
}

// 測試其他成員的 marker 驅動已讀回條
func TestReadTracker_StateForReadReceipt(t *testing.T) {
	tracker := NewReadTracker("u1", new(MockConversationRepository))

	own := tracker.Apply(domain.ChangeEvent{
		Type:           domain.EventReadMarker,
		ConversationID: "c1",
		Marker:         &domain.ReadMarker{ConversationID: "c1", UserID: "u2", LastReadAt: 1500},
	})
	assert.False(t, own)

	// u2 已讀蓋到 1000 的訊息
	assert.Equal(t, domain.DeliveryRead, tracker.StateFor(&domain.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", CreatedAt: 1000}))
	// 1600 的還沒被讀到
	assert.Equal(t, domain.DeliverySent, tracker.StateFor(&domain.Message{ID: "m2", ConversationID: "c1", SenderID: "u1", CreatedAt: 1600}))
	// 未確認的訊息維持原狀態
	assert.Equal(t, domain.DeliveryQueued, tracker.StateFor(&domain.Message{ClientKey: "k9", ConversationID: "c1", SenderID: "u1", CreatedAt: 1700, Delivery: domain.DeliveryQueued}))
}

// 測試自己在別的裝置的 marker
func TestReadTracker_OwnMarkerFromOtherDevice(t *testing.T) {
	tracker := NewReadTracker("u1", new(MockConversationRepository))

	own := tracker.Apply(domain.ChangeEvent{
		Type:           domain.EventReadMarker,
		ConversationID: "c1",
		Marker:         &domain.ReadMarker{ConversationID: "c1", UserID: "u1", LastReadAt: 1200},
	})
	assert.True(t, own)
	assert.Equal(t, int64(1200), tracker.OwnMarker("c1").LastReadAt)
}
