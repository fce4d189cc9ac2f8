package app

import (
	"context"
	"sync"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"

	"github.com/stretchr/testify/mock"
)

// MockMessageRepository Mock MessageRepository
type MockMessageRepository struct {
	mock.Mock
}

// Insert moke insert msg
func (m *MockMessageRepository) Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// FindByClientKey moke find msg by client key
func (m *MockMessageRepository) FindByClientKey(ctx context.Context, conversationID, clientKey string) (*domain.Message, error) {
	args := m.Called(ctx, conversationID, clientKey)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// FindBefore moke find older msg page
func (m *MockMessageRepository) FindBefore(ctx context.Context, conversationID string, beforeTS int64, limit int) ([]domain.Message, error) {
	args := m.Called(ctx, conversationID, beforeTS, limit)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// Edit moke edit msg
func (m *MockMessageRepository) Edit(ctx context.Context, messageID, senderID string, body string, editedAt int64) (*domain.Message, error) {
	args := m.Called(ctx, messageID, senderID, body, editedAt)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// SoftDelete moke tombstone msg
func (m *MockMessageRepository) SoftDelete(ctx context.Context, messageID, senderID string, deletedAt int64) (*domain.Message, error) {
	args := m.Called(ctx, messageID, senderID, deletedAt)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// AddReaction moke add reaction
func (m *MockMessageRepository) AddReaction(ctx context.Context, messageID string, r domain.Reaction) (*domain.Message, error) {
	args := m.Called(ctx, messageID, r)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// RemoveReaction moke remove reaction
func (m *MockMessageRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (*domain.Message, error) {
	args := m.Called(ctx, messageID, userID, emoji)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// SetLinkPreview moke set link preview
func (m *MockMessageRepository) SetLinkPreview(ctx context.Context, messageID string, preview *domain.LinkPreview) (*domain.Message, error) {
	args := m.Called(ctx, messageID, preview)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// CountUnread moke aggregate unread
func (m *MockMessageRepository) CountUnread(ctx context.Context, userID string, conversationIDs []string) ([]domain.ConversationUnread, error) {
	args := m.Called(ctx, userID, conversationIDs)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.ConversationUnread), args.Error(1)
	}
	return nil, args.Error(1)
}

// HasUnreadSince moke degraded unread probe
func (m *MockMessageRepository) HasUnreadSince(ctx context.Context, conversationID, userID string, sinceTS int64) (bool, error) {
	args := m.Called(ctx, conversationID, userID, sinceTS)
	return args.Bool(0), args.Error(1)
}

// MockConversationRepository Mock ConversationRepository
type MockConversationRepository struct {
	mock.Mock
}

// GetOrCreate moke get-or-create conversation
func (m *MockConversationRepository) GetOrCreate(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	args := m.Called(ctx, conv)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

// FindByID moke find conversation by id
func (m *MockConversationRepository) FindByID(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

// ListByMember moke list member conversations
func (m *MockConversationRepository) ListByMember(ctx context.Context, userID string) ([]domain.Conversation, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

// TouchActivity moke touch last activity
func (m *MockConversationRepository) TouchActivity(ctx context.Context, conversationID string, at int64, preview domain.Preview) error {
	args := m.Called(ctx, conversationID, at, preview)
	return args.Error(0)
}

// UpdateSettings moke update settings
func (m *MockConversationRepository) UpdateSettings(ctx context.Context, conversationID, userID string, s domain.ConversationSettings) error {
	args := m.Called(ctx, conversationID, userID, s)
	return args.Error(0)
}

// GetSettings moke get settings
func (m *MockConversationRepository) GetSettings(ctx context.Context, conversationID, userID string) (domain.ConversationSettings, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Get(0).(domain.ConversationSettings), args.Error(1)
}

// UpsertReadMarker moke upsert read marker
func (m *MockConversationRepository) UpsertReadMarker(ctx context.Context, marker *domain.ReadMarker) error {
	args := m.Called(ctx, marker)
	return args.Error(0)
}

// GetReadMarker moke get read marker
func (m *MockConversationRepository) GetReadMarker(ctx context.Context, conversationID, userID string) (*domain.ReadMarker, error) {
	args := m.Called(ctx, conversationID, userID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.ReadMarker), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockProfileRepository Mock ProfileRepository
type MockProfileRepository struct {
	mock.Mock
}

// FindProfile moke find profile
func (m *MockProfileRepository) FindProfile(ctx context.Context, userID string) (*repository.ProfileSummary, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) != nil {
		return args.Get(0).(*repository.ProfileSummary), args.Error(1)
	}
	return nil, args.Error(1)
}

// IsBlocked moke blocked pair check
func (m *MockProfileRepository) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}

// MockRideRepository Mock RideRepository
type MockRideRepository struct {
	mock.Mock
}

// FindRideSummary moke find ride summary
func (m *MockRideRepository) FindRideSummary(ctx context.Context, rideID string) (*domain.RideSummary, error) {
	args := m.Called(ctx, rideID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.RideSummary), args.Error(1)
	}
	return nil, args.Error(1)
}

// memoryQueueStorage 有狀態的 QueueStorage 假件：
// 佇列持久化/重啟還原的測試需要真的存起來
type memoryQueueStorage struct {
	mu     sync.Mutex
	queues map[string][]domain.QueuedSendItem
	hidden map[string]map[string]bool
}

func newMemoryQueueStorage() *memoryQueueStorage {
	return &memoryQueueStorage{
		queues: make(map[string][]domain.QueuedSendItem),
		hidden: make(map[string]map[string]bool),
	}
}

func (s *memoryQueueStorage) LoadQueue(ctx context.Context, userID string) ([]domain.QueuedSendItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.QueuedSendItem, len(s.queues[userID]))
	copy(items, s.queues[userID])
	return items, nil
}

func (s *memoryQueueStorage) SaveQueue(ctx context.Context, userID string, items []domain.QueuedSendItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.QueuedSendItem, len(items))
	copy(cp, items)
	s.queues[userID] = cp
	return nil
}

func (s *memoryQueueStorage) LoadHidden(ctx context.Context, userID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.hidden[userID]))
	for k, v := range s.hidden[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *memoryQueueStorage) SaveHidden(ctx context.Context, userID string, hidden map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]bool, len(hidden))
	for k, v := range hidden {
		cp[k] = v
	}
	s.hidden[userID] = cp
	return nil
}

// memoryPubSub 有狀態的 RealtimePubSub 假件：publish 直接回灌給
// 訂閱中的 handler，模擬 push 路徑
type memoryPubSub struct {
	mu       sync.Mutex
	handlers map[string][]func(ev domain.ChangeEvent)
}

func newMemoryPubSub() *memoryPubSub {
	return &memoryPubSub{handlers: make(map[string][]func(ev domain.ChangeEvent))}
}

func (p *memoryPubSub) PublishEvent(ctx context.Context, channel string, ev *domain.ChangeEvent) error {
	p.mu.Lock()
	hs := make([]func(ev domain.ChangeEvent), len(p.handlers[channel]))
	copy(hs, p.handlers[channel])
	p.mu.Unlock()
	for _, h := range hs {
		h(*ev)
	}
	return nil
}

func (p *memoryPubSub) Subscribe(ctx context.Context, channel string, handler func(ev domain.ChangeEvent), onDrop func(err error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[channel] = append(p.handlers[channel], handler)
	return nil
}
