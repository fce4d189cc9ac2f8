package app

import (
	"context"
	"testing"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// 測試偏好路徑：aggregate 可用時直接回精確計數
func TestCapabilities_AggregatePath(t *testing.T) {
	ctx := context.Background()
	mockMsgRepo := new(MockMessageRepository)
	counts := []domain.ConversationUnread{{ConversationID: "c1", UnreadCount: 5}}
	mockMsgRepo.On("CountUnread", ctx, "u1", []string{"c1"}).Return(counts, nil)

	caps := NewCapabilities(nil)
	tracker := NewReadTracker("u1", new(MockConversationRepository))

	out, err := caps.UnreadCounts(ctx, mockMsgRepo, tracker, "u1", []string{"c1"})
	assert.NoError(t, err)
	assert.Equal(t, counts, out)
	assert.False(t, caps.Degraded())
	mockMsgRepo.AssertExpectations(t)
}

// 測試降級：aggregate 失效後整個 session 改用 0/1 近似值，
// 並只通知一次 reduced-functionality
func TestCapabilities_DegradedFallback(t *testing.T) {
	ctx := context.Background()
	mockMsgRepo := new(MockMessageRepository)
	mockMsgRepo.On("CountUnread", ctx, "u1", mock.Anything).Return(nil, repository.ErrCapabilityUnavailable).Once()
	mockMsgRepo.On("HasUnreadSince", ctx, "c1", "u1", int64(0)).Return(true, nil)
	mockMsgRepo.On("HasUnreadSince", ctx, "c2", "u1", int64(0)).Return(false, nil)

	degradedCalls := 0
	caps := NewCapabilities(func() { degradedCalls++ })
	tracker := NewReadTracker("u1", new(MockConversationRepository))

	out, err := caps.UnreadCounts(ctx, mockMsgRepo, tracker, "u1", []string{"c1", "c2"})
	assert.NoError(t, err)
	assert.True(t, caps.Degraded())
	assert.Equal(t, 1, degradedCalls)
	assert.Equal(t, 1, out[0].UnreadCount)
	assert.Equal(t, 0, out[1].UnreadCount)

	// 第二次直接走降級路徑，不再打 aggregate
	_, err = caps.UnreadCounts(ctx, mockMsgRepo, tracker, "u1", []string{"c1", "c2"})
	assert.NoError(t, err)
	assert.Equal(t, 1, degradedCalls)
	mockMsgRepo.AssertExpectations(t)
}

// 測試非 capability 錯誤原樣回傳，不觸發降級
func TestCapabilities_OtherErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	mockMsgRepo := new(MockMessageRepository)
	mockMsgRepo.On("CountUnread", ctx, "u1", mock.Anything).Return(nil, assert.AnError)

	caps := NewCapabilities(nil)
	tracker := NewReadTracker("u1", new(MockConversationRepository))

	_, err := caps.UnreadCounts(ctx, mockMsgRepo, tracker, "u1", []string{"c1"})
	assert.Error(t, err)
	assert.False(t, caps.Degraded())
}
