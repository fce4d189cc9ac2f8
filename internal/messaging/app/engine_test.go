package app

import (
	"context"
	"testing"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type engineFixture struct {
	engine   *Engine
	msgRepo  *MockMessageRepository
	convRepo *MockConversationRepository
	storage  *memoryQueueStorage
	pubsub   *memoryPubSub
	emitted  *[]domain.WSResponse
}

// newEngineFixture u1 的 session engine，directory 已載入
// 一個 u1/u2 的 direct conversation c1
func newEngineFixture(t *testing.T) *engineFixture {
	msgRepo := new(MockMessageRepository)
	convRepo := new(MockConversationRepository)
	storage := newMemoryQueueStorage()
	pubsub := newMemoryPubSub()

	convRepo.On("ListByMember", mock.Anything, "u1").Return([]domain.Conversation{
		{
			ID:   "c1",
			Type: domain.ConversationDirect,
			Members: []domain.ConversationMember{
				{UserID: "u1", Role: domain.RolePassenger},
				{UserID: "u2", Role: domain.RoleDriver},
			},
			LastActivity: 100,
		},
	}, nil)
	convRepo.On("GetSettings", mock.Anything, "c1", "u1").Return(domain.ConversationSettings{}, nil)

	emitted := &[]domain.WSResponse{}
	engine := NewEngine("u1", EngineDeps{
		Messages:      msgRepo,
		Conversations: convRepo,
		QueueStorage:  storage,
		PubSub:        pubsub,
	}, DefaultEngineConfig(), func(resp domain.WSResponse) {
		*emitted = append(*emitted, resp)
	})
	assert.NoError(t, engine.directory.Reload(context.Background()))

	return &engineFixture{
		engine:   engine,
		msgRepo:  msgRepo,
		convRepo: convRepo,
		storage:  storage,
		pubsub:   pubsub,
		emitted:  emitted,
	}
}

func confirmedFrom(msg domain.Message, id string) *domain.Message {
	cp := msg
	cp.ID = id
	cp.Delivery = ""
	return &cp
}

// 測試離線送出：先入列帶 queued 的 optimistic 記錄，
// drain 後只剩一筆已確認紀錄，佇列清空
func TestEngine_SendQueuesThenDrains(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	sent, err := f.engine.Send(ctx, domain.WSRequest{ConversationID: "c1", ClientKey: "k1", Body: "hello"})
	assert.NoError(t, err)
	assert.Equal(t, domain.DeliveryQueued, sent.Delivery)
	assert.Len(t, f.engine.QueueItems(), 1)

	msgs := f.engine.Messages("c1")
	assert.Len(t, msgs, 1)
	assert.Equal(t, domain.DeliveryQueued, msgs[0].Delivery)

	f.msgRepo.On("Insert", mock.Anything, mock.Anything).Return(confirmedFrom(*sent, "m1"), nil)
	f.convRepo.On("TouchActivity", mock.Anything, "c1", mock.Anything, mock.Anything).Return(nil)

	var convEvents []domain.ChangeEvent
	assert.NoError(t, f.pubsub.Subscribe(ctx, repository.ConvChannel("c1"), func(ev domain.ChangeEvent) {
		convEvents = append(convEvents, ev)
	}, nil))

	f.engine.reconciler.Flush(ctx)

	assert.Empty(t, f.engine.QueueItems())
	msgs = f.engine.Messages("c1")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "k1", msgs[0].ClientKey)
	assert.Equal(t, domain.DeliverySent, msgs[0].Delivery)

	// row-change 有廣播到 conversation 串流
	assert.Len(t, convEvents, 1)
	assert.Equal(t, domain.EventMessageNew, convEvents[0].Type)

	// 自己送的訊息不增加 unread，但要更新最後活動
	conv := f.engine.directory.Get("c1")
	assert.Equal(t, int64(0), conv.UnreadCount)
	assert.Equal(t, sent.CreatedAt, conv.LastActivity)
}

// 測試確認先從 push 到：同 ClientKey 只留一筆，
// 佇列項目被移除，reconciler 之後不再重送
func TestEngine_PushConfirmationWinsRace(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	sent, err := f.engine.Send(ctx, domain.WSRequest{ConversationID: "c1", ClientKey: "k1", Body: "hello"})
	assert.NoError(t, err)

	// 別的 session 已經把這筆落庫，確認經由 directory push 先到
	f.engine.Apply(domain.ChangeEvent{
		Type:           domain.EventMessageNew,
		ConversationID: "c1",
		Message:        confirmedFrom(*sent, "m1"),
	})

	assert.Empty(t, f.engine.QueueItems())
	msgs := f.engine.Messages("c1")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	f.engine.reconciler.Flush(ctx)
	f.msgRepo.AssertNotCalled(t, "Insert")
}

// 測試非成員送訊息：立即回權限錯誤，不入列不留 optimistic 記錄
func TestEngine_SendRejectedWhenNotMember(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	f.convRepo.On("FindByID", mock.Anything, "c9").Return(&domain.Conversation{
		ID:   "c9",
		Type: domain.ConversationDirect,
		Members: []domain.ConversationMember{
			{UserID: "u2"}, {UserID: "u3"},
		},
	}, nil)

	_, err := f.engine.Send(ctx, domain.WSRequest{ConversationID: "c9", ClientKey: "k1", Body: "hi"})
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	assert.Empty(t, f.engine.QueueItems())
	assert.Empty(t, f.engine.Messages("c9"))
}

// 測試空訊息立即拒絕
func TestEngine_SendRejectsEmptyBody(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Send(context.Background(), domain.WSRequest{ConversationID: "c1", ClientKey: "k1"})
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	assert.Empty(t, f.engine.QueueItems())
}

// 測試自動重試耗盡轉 failed，手動重試後成功送出
func TestEngine_RetryAfterExhaustedFailure(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.engine.reconciler.maxAutoAttempts = 1

	sent, err := f.engine.Send(ctx, domain.WSRequest{ConversationID: "c1", ClientKey: "k1", Body: "hello"})
	assert.NoError(t, err)

	f.msgRepo.On("Insert", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()
	f.engine.reconciler.Flush(ctx)

	msgs := f.engine.Messages("c1")
	assert.Len(t, msgs, 1)
	assert.Equal(t, domain.DeliveryFailed, msgs[0].Delivery)
	items := f.engine.QueueItems()
	assert.Len(t, items, 1)
	assert.Equal(t, domain.QueueStateFailed, items[0].State)

	f.msgRepo.On("Insert", mock.Anything, mock.Anything).Return(confirmedFrom(*sent, "m1"), nil).Once()
	f.convRepo.On("TouchActivity", mock.Anything, "c1", mock.Anything, mock.Anything).Return(nil)

	assert.NoError(t, f.engine.RetrySend(ctx, "c1", "k1"))
	f.engine.reconciler.Flush(ctx)

	assert.Empty(t, f.engine.QueueItems())
	msgs = f.engine.Messages("c1")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, domain.DeliverySent, msgs[0].Delivery)
}

// 測試丟棄佇列項目：佇列與快取一併移除
func TestEngine_DiscardSend(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	_, err := f.engine.Send(ctx, domain.WSRequest{ConversationID: "c1", ClientKey: "k1", Body: "oops"})
	assert.NoError(t, err)

	assert.NoError(t, f.engine.DiscardSend(ctx, "c1", "k1"))
	assert.Empty(t, f.engine.QueueItems())
	assert.Empty(t, f.engine.Messages("c1"))
}

// 測試排程訊息：時間未到不送出，狀態顯示 scheduled
func TestEngine_ScheduledSendWaits(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	sendAt := time.Now().Add(time.Hour).UnixMilli()
	sent, err := f.engine.Send(ctx, domain.WSRequest{ConversationID: "c1", ClientKey: "k1", Body: "later", ScheduledAt: sendAt})
	assert.NoError(t, err)
	assert.Equal(t, domain.DeliveryScheduled, sent.Delivery)
	assert.Equal(t, sendAt, sent.Meta.ScheduledAt)

	f.engine.reconciler.Flush(ctx)
	f.msgRepo.AssertNotCalled(t, "Insert")
	assert.Len(t, f.engine.QueueItems(), 1)
}

// 測試 mark read：marker 推到最新訊息、unread 歸零、廣播給成員
func TestEngine_MarkReadUpToLatest(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	body := "ping"
	f.engine.Apply(domain.ChangeEvent{
		Type:           domain.EventMessageNew,
		ConversationID: "c1",
		Message: &domain.Message{
			ID: "m1", ClientKey: "kx", ConversationID: "c1",
			SenderID: "u2", Body: &body, Kind: domain.KindText, CreatedAt: 1000,
		},
	})
	assert.Equal(t, int64(1), f.engine.directory.Get("c1").UnreadCount)

	f.convRepo.On("UpsertReadMarker", mock.Anything, mock.Anything).Return(nil)

	var convEvents []domain.ChangeEvent
	assert.NoError(t, f.pubsub.Subscribe(ctx, repository.ConvChannel("c1"), func(ev domain.ChangeEvent) {
		convEvents = append(convEvents, ev)
	}, nil))

	marker := f.engine.MarkReadUpToLatest(ctx, "c1")
	assert.Equal(t, int64(1000), marker.LastReadAt)
	assert.Equal(t, int64(0), f.engine.directory.Get("c1").UnreadCount)

	assert.Len(t, convEvents, 1)
	assert.Equal(t, domain.EventReadMarker, convEvents[0].Type)
	assert.Equal(t, int64(1000), convEvents[0].Marker.LastReadAt)
}

// 測試 delete-for-me：本地隱藏且持久化，server 資料不動
func TestEngine_DeleteForMePersists(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	body := "secret"
	f.engine.Apply(domain.ChangeEvent{
		Type:           domain.EventMessageNew,
		ConversationID: "c1",
		Message: &domain.Message{
			ID: "m1", ConversationID: "c1", SenderID: "u2",
			Body: &body, Kind: domain.KindText, CreatedAt: 1000,
		},
	})
	assert.Len(t, f.engine.Messages("c1"), 1)

	assert.NoError(t, f.engine.DeleteForMe(ctx, "c1", "m1"))
	assert.Empty(t, f.engine.Messages("c1"))

	hidden, err := f.storage.LoadHidden(ctx, "u1")
	assert.NoError(t, err)
	assert.True(t, hidden["m1"])
	f.msgRepo.AssertNotCalled(t, "SoftDelete")
}

// 測試編輯視窗：過期的自己訊息不可編輯，也不打到 server
func TestEngine_EditWindowExpired(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	body := "old"
	f.engine.Apply(domain.ChangeEvent{
		Type:           domain.EventMessageNew,
		ConversationID: "c1",
		Message: &domain.Message{
			ID: "m1", ConversationID: "c1", SenderID: "u1",
			Body: &body, Kind: domain.KindText,
			CreatedAt: time.Now().Add(-20 * time.Minute).UnixMilli(),
		},
	})

	_, err := f.engine.EditMessage(ctx, "c1", "m1", "new")
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	f.msgRepo.AssertNotCalled(t, "Edit")
}

// 測試別人的訊息不可編輯
func TestEngine_EditOnlyOwnMessages(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	body := "theirs"
	f.engine.Apply(domain.ChangeEvent{
		Type:           domain.EventMessageNew,
		ConversationID: "c1",
		Message: &domain.Message{
			ID: "m1", ConversationID: "c1", SenderID: "u2",
			Body: &body, Kind: domain.KindText, CreatedAt: time.Now().UnixMilli(),
		},
	})

	_, err := f.engine.EditMessage(ctx, "c1", "m1", "mine now")
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	f.msgRepo.AssertNotCalled(t, "Edit")
}

// 測試表情 toggle：第一次加、第二次移除同一個 emoji
func TestEngine_ReactToggle(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	body := "nice"
	base := domain.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2",
		Body: &body, Kind: domain.KindText, CreatedAt: 1000,
	}
	f.engine.Apply(domain.ChangeEvent{Type: domain.EventMessageNew, ConversationID: "c1", Message: &base})

	withReaction := base
	withReaction.Reactions = []domain.Reaction{{UserID: "u1", Emoji: "👍", Timestamp: 2000}}
	f.msgRepo.On("AddReaction", mock.Anything, "m1", mock.Anything).Return(&withReaction, nil).Once()

	updated, err := f.engine.React(ctx, "c1", "m1", "👍")
	assert.NoError(t, err)
	assert.Len(t, updated.Reactions, 1)

	// 更新已合併進快取，第二次 toggle 走移除
	without := base
	f.msgRepo.On("RemoveReaction", mock.Anything, "m1", "u1", "👍").Return(&without, nil).Once()

	updated, err = f.engine.React(ctx, "c1", "m1", "👍")
	assert.NoError(t, err)
	assert.Empty(t, updated.Reactions)
	f.msgRepo.AssertExpectations(t)
}

// 測試 direct conversation 建立需剛好兩個成員
func TestEngine_CreateDirectNeedsTwoMembers(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.CreateConversation(context.Background(), domain.ConversationDirect, "", []string{"u2", "u3"})
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	f.convRepo.AssertNotCalled(t, "GetOrCreate")
}

// 測試封鎖的 pair 不能開 direct conversation
func TestEngine_CreateDirectBlockedPair(t *testing.T) {
	f := newEngineFixture(t)
	profiles := new(MockProfileRepository)
	f.engine.deps.Profiles = profiles

	profiles.On("FindProfile", mock.Anything, "u1").Return(&repository.ProfileSummary{UserID: "u1", Verified: true}, nil)
	profiles.On("IsBlocked", mock.Anything, "u1", "u9").Return(true, nil)

	_, err := f.engine.CreateConversation(context.Background(), domain.ConversationDirect, "", []string{"u9"})
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	f.convRepo.AssertNotCalled(t, "GetOrCreate")
}

// 測試未驗證帳號不能開 direct conversation
func TestEngine_CreateDirectRequiresVerified(t *testing.T) {
	f := newEngineFixture(t)
	profiles := new(MockProfileRepository)
	f.engine.deps.Profiles = profiles

	profiles.On("FindProfile", mock.Anything, "u1").Return(&repository.ProfileSummary{UserID: "u1", Verified: false}, nil)

	_, err := f.engine.CreateConversation(context.Background(), domain.ConversationDirect, "", []string{"u9"})
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	profiles.AssertNotCalled(t, "IsBlocked")
}

// 測試 ride conversation 必須綁定行程
func TestEngine_CreateRideNeedsLinkedEntity(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.CreateConversation(context.Background(), domain.ConversationRide, "", []string{"u2", "u3"})
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	f.convRepo.AssertNotCalled(t, "GetOrCreate")
}

// 測試訊息裡有連結時派 link-preview 工作
func TestEngine_ConfirmDispatchesLinkPreview(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	previews := &recordingPreviewQueue{}
	f.engine.deps.Previews = previews

	sent, err := f.engine.Send(ctx, domain.WSRequest{
		ConversationID: "c1", ClientKey: "k1",
		Body: "看這個 https://example.com/ride/42 讚",
	})
	assert.NoError(t, err)

	f.msgRepo.On("Insert", mock.Anything, mock.Anything).Return(confirmedFrom(*sent, "m1"), nil)
	f.convRepo.On("TouchActivity", mock.Anything, "c1", mock.Anything, mock.Anything).Return(nil)
	f.engine.reconciler.Flush(ctx)

	assert.Len(t, previews.jobs, 1)
	assert.Equal(t, "m1", previews.jobs[0].MessageID)
	assert.Equal(t, "https://example.com/ride/42", previews.jobs[0].URL)
}

// 測試 pin/mute/archive：遠端更新成功後 directory 立即生效，
// 並廣播 settings 事件到自己的 directory 串流
func TestEngine_UpdateSettingsAppliesAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	f.convRepo.On("UpdateSettings", mock.Anything, "c1", "u1", domain.ConversationSettings{Pinned: true}).Return(nil)

	var dirEvents []domain.ChangeEvent
	assert.NoError(t, f.pubsub.Subscribe(ctx, repository.DirectoryChannel("u1"), func(ev domain.ChangeEvent) {
		dirEvents = append(dirEvents, ev)
	}, nil))

	assert.NoError(t, f.engine.UpdateSettings(ctx, "c1", domain.ConversationSettings{Pinned: true}))

	conv := f.engine.directory.Get("c1")
	assert.True(t, conv.Settings.Pinned)

	assert.Len(t, dirEvents, 1)
	assert.Equal(t, domain.EventSettings, dirEvents[0].Type)
	assert.Equal(t, "c1", dirEvents[0].ConversationID)
	assert.Equal(t, "u1", dirEvents[0].UserID)
}

// 測試不是成員不能改設定
func TestEngine_UpdateSettingsNotMember(t *testing.T) {
	f := newEngineFixture(t)
	f.convRepo.On("FindByID", mock.Anything, "c9").Return(&domain.Conversation{
		ID:      "c9",
		Type:    domain.ConversationDirect,
		Members: []domain.ConversationMember{{UserID: "u8"}},
	}, nil)

	err := f.engine.UpdateSettings(context.Background(), "c9", domain.ConversationSettings{Muted: true})
	assert.ErrorIs(t, err, repository.ErrNotPermitted)
	f.convRepo.AssertNotCalled(t, "UpdateSettings", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// recordingPreviewQueue 記錄派出去的 preview 工作
type recordingPreviewQueue struct {
	jobs []repository.PreviewJob
}

func (q *recordingPreviewQueue) DispatchPreview(job repository.PreviewJob) {
	q.jobs = append(q.jobs, job)
}

func (q *recordingPreviewQueue) ConsumePreview() (<-chan amqp.Delivery, error) {
	return nil, nil
}
