package app

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg"
	"carpool_message_service/pkg/logger"

	"github.com/google/uuid"
)

// EngineConfig session engine 的調校參數
type EngineConfig struct {
	ReconcileInterval time.Duration // 離線佇列重送間隔
	MaxAutoAttempts   int           // 自動重試上限，超過轉 failed
	EditWindow        time.Duration // 訊息可編輯視窗
	TypingTTL         time.Duration // typing 狀態存活時間
	TypingDebounce    time.Duration // 自己 typing 廣播的最小間隔
	ResubscribeDelay  time.Duration // 串流斷掉後的重訂延遲
	PageSize          int           // 訊息分頁大小
}

// DefaultEngineConfig 預設參數
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ReconcileInterval: 5 * time.Second,
		MaxAutoAttempts:   5,
		EditWindow:        15 * time.Minute,
		TypingTTL:         6 * time.Second,
		TypingDebounce:    2 * time.Second,
		ResubscribeDelay:  3 * time.Second,
		PageSize:          50,
	}
}

// EngineDeps engine 依賴的外部資源
type EngineDeps struct {
	Messages      repository.MessageRepository
	Conversations repository.ConversationRepository
	QueueStorage  repository.QueueStorage
	PubSub        repository.RealtimePubSub
	Attachments   repository.AttachmentRepository
	Notify        repository.NotifyRepository
	Previews      repository.PreviewQueue
	Profiles      repository.ProfileRepository
	Rides         repository.RideRepository
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// Engine 單一使用者 session 的訊息引擎。
// 持有離線佇列、per-conversation 訊息快取、directory 與即時訂閱，
// 所有進來的訊息 (送出回應、push、佇列 drain、分頁) 都走同一條合併路徑
type Engine struct {
	userID string
	cfg    EngineConfig
	deps   EngineDeps

	queue      *SendQueue
	reconciler *Reconciler
	directory  *Directory
	ingress    *Ingress
	presence   *PresenceTracker
	reads      *ReadTracker
	caps       *Capabilities

	mu     sync.Mutex
	caches map[string]*MessageCache // conversation id → cache，關房後保留
	hidden map[string]bool          // delete-for-me 的訊息 id 集合
	emit   func(resp domain.WSResponse)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine create a session Engine
func NewEngine(userID string, deps EngineDeps, cfg EngineConfig, emit func(resp domain.WSResponse)) *Engine {
	e := &Engine{
		userID: userID,
		cfg:    cfg,
		deps:   deps,
		caches: make(map[string]*MessageCache),
		hidden: make(map[string]bool),
		emit:   emit,
	}
	e.queue = NewSendQueue(userID, deps.QueueStorage)
	e.reconciler = NewReconciler(e.queue, deps.Messages, cfg.ReconcileInterval, cfg.MaxAutoAttempts, e.Apply, e.afterConfirm)
	e.directory = NewDirectory(userID, deps.Conversations, deps.Rides)
	e.ingress = NewIngress(deps.PubSub, cfg.ResubscribeDelay, e.Apply, e.notifySlow)
	e.presence = NewPresenceTracker(userID, deps.PubSub, cfg.TypingTTL, cfg.TypingDebounce)
	e.reads = NewReadTracker(userID, deps.Conversations)
	e.caps = NewCapabilities(e.notifyDegraded)
	return e
}

// Start 還原持久狀態、載入 directory、建立即時訂閱，
// 並啟動背景 reconcile 迴圈。連線當下先 drain 一輪離線佇列
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.ctx = runCtx
	e.cancel = cancel

	if err := e.queue.Load(runCtx); err != nil {
		cancel()
		return fmt.Errorf("load send queue: %w", err)
	}
	hidden, err := e.deps.QueueStorage.LoadHidden(runCtx, e.userID)
	if err != nil {
		cancel()
		return fmt.Errorf("load hidden set: %w", err)
	}
	if hidden == nil {
		hidden = make(map[string]bool)
	}
	e.mu.Lock()
	e.hidden = hidden
	e.mu.Unlock()

	if err := e.directory.Reload(runCtx); err != nil {
		cancel()
		return fmt.Errorf("load directory: %w", err)
	}
	if err := e.ingress.Start(runCtx, e.userID); err != nil {
		cancel()
		return fmt.Errorf("subscribe directory stream: %w", err)
	}

	go e.reconciler.Run(runCtx)
	go e.presence.RunSweeper(runCtx)
	e.reconciler.NotifyOnline()
	return nil
}

// Stop 結束 session，取消所有訂閱與背景迴圈。佇列已持久化，不會遺失
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) runCtx() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

func (e *Engine) cacheFor(conversationID string) *MessageCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[conversationID]
	if !ok {
		c = NewMessageCache()
		c.SetHidden(e.hidden)
		e.caches[conversationID] = c
	}
	return c
}

// Apply 唯一的事件合併入口。reconciler 確認、realtime push、
// typing 通知全部匯到這裡，一筆訊息不管從幾條路進來都只留一筆
func (e *Engine) Apply(ev domain.ChangeEvent) {
	switch ev.Type {
	case domain.EventMessageNew, domain.EventMessageUpdate:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		cache := e.cacheFor(ev.ConversationID)
		if msg.Confirmed() {
			cache.Merge(msg)
			if msg.ClientKey != "" {
				// 確認可能先從 push 到，早於 reconciler 自己的回應
				if err := e.queue.Remove(e.runCtx(), msg.ClientKey); err != nil {
					logger.Log.Errorf("engine: dequeue confirmed message", err)
				}
			}
		} else if msg.Delivery != "" {
			cache.Merge(msg)
		}
		if ev.Type == domain.EventMessageNew {
			e.directory.ApplyMessage(&msg)
		}
		e.emitEvent(domain.NotifyEvent, map[string]interface{}{"event": ev})

	case domain.EventReadMarker:
		own := e.reads.Apply(ev)
		if own {
			e.directory.ApplyOwnReadMarker(ev.ConversationID)
		}
		e.emitEvent(domain.NotifyEvent, map[string]interface{}{"event": ev})

	case domain.EventMembership, domain.EventSettings:
		// 結構性變更直接整份 reload，不做局部 patch
		if err := e.directory.Reload(e.runCtx()); err != nil {
			logger.Log.Errorf("engine: reload directory", err)
		}
		e.emitEvent(domain.NotifyEvent, map[string]interface{}{"event": ev})

	case domain.EventTyping, domain.EventPresence:
		e.presence.Apply(ev)
		e.emitEvent(domain.NotifyEvent, map[string]interface{}{
			"event":        ev,
			"typing_users": e.presence.TypingUsers(ev.ConversationID),
		})
	}
}

func (e *Engine) emitEvent(action domain.Action, payload map[string]interface{}) {
	if e.emit == nil {
		return
	}
	e.emit(domain.WSResponse{Action: string(action), Success: true, Payload: payload})
}

func (e *Engine) notifySlow() {
	e.emitEvent(domain.NotifySlow, map[string]interface{}{"reason": "realtime stream degraded"})
}

func (e *Engine) notifyDegraded() {
	e.emitEvent(domain.NotifyDegraded, map[string]interface{}{"unread_counts": "approximate"})
}

// CreateConversation get-or-create：同 (type, entity, member set) 永遠
// 回到同一個 conversation。direct 需通過封鎖檢查
func (e *Engine) CreateConversation(ctx context.Context, convType domain.ConversationType, linkedEntityID string, memberIDs []string) (*domain.Conversation, error) {
	if !pkg.Contains(memberIDs, e.userID) {
		memberIDs = append(memberIDs, e.userID)
	}
	if convType == domain.ConversationDirect && len(memberIDs) != 2 {
		return nil, fmt.Errorf("direct conversation needs exactly two members: %w", repository.ErrNotPermitted)
	}
	if (convType == domain.ConversationRide || convType == domain.ConversationTrip) && linkedEntityID == "" {
		return nil, fmt.Errorf("%s conversation needs a linked entity: %w", convType, repository.ErrNotPermitted)
	}

	if convType == domain.ConversationDirect && e.deps.Profiles != nil {
		// 未通過身份驗證的帳號不能主動開 1 對 1 私訊
		if self, err := e.deps.Profiles.FindProfile(ctx, e.userID); err == nil && !self.Verified {
			return nil, fmt.Errorf("account not verified: %w", repository.ErrNotPermitted)
		}
	}

	members := make([]domain.ConversationMember, 0, len(memberIDs))
	for _, id := range memberIDs {
		member := domain.ConversationMember{UserID: id, Role: domain.RolePassenger}
		if e.deps.Profiles != nil {
			if id != e.userID && convType == domain.ConversationDirect {
				blocked, err := e.deps.Profiles.IsBlocked(ctx, e.userID, id)
				if err != nil {
					return nil, fmt.Errorf("blocked check: %w", err)
				}
				if blocked {
					return nil, fmt.Errorf("user pair is blocked: %w", repository.ErrNotPermitted)
				}
			}
			if profile, err := e.deps.Profiles.FindProfile(ctx, id); err == nil {
				member.Name = profile.Name
				member.AvatarPath = profile.AvatarPath
			}
		}
		members = append(members, member)
	}

	conv := &domain.Conversation{
		Type:           convType,
		LinkedEntityID: linkedEntityID,
		MemberKey:      domain.MemberKeyFor(convType, linkedEntityID, memberIDs),
		Members:        members,
		LastActivity:   time.Now().UnixMilli(),
	}
	created, err := e.deps.Conversations.GetOrCreate(ctx, conv)
	if err != nil {
		return nil, err
	}
	if err := e.directory.Reload(ctx); err != nil {
		logger.Log.Errorf("engine: reload directory after create", err)
	}
	return created, nil
}

// OpenConversation 開房：載入第一頁訊息與自己的 read marker，
// 切換 conversation 串流 (前一條自動取消)，回傳合併後的快照
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	conv, err := e.deps.Conversations.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(e.userID) {
		return nil, fmt.Errorf("not a member of conversation %s: %w", conversationID, repository.ErrNotPermitted)
	}

	e.directory.SetActive(conversationID)
	e.reads.LoadMarker(ctx, conversationID)

	page, err := e.deps.Messages.FindBefore(ctx, conversationID, 0, e.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	cache := e.cacheFor(conversationID)
	cache.Merge(e.resolveAttachments(ctx, page)...)

	if err := e.ingress.OpenConversation(conversationID); err != nil {
		// 訂閱失敗不擋開房，資料已經載好，靠重訂把串流補回來
		logger.Log.Errorf("engine: open conversation stream", err)
		e.notifySlow()
	}
	return e.renderMessages(cache.Snapshot()), nil
}

// UpdateSettings 更新自己對單一 conversation 的設定 (pin/mute/archive)。
// 設定是 per-user 的，只廣播到自己的 directory 串流讓其他裝置同步
func (e *Engine) UpdateSettings(ctx context.Context, conversationID string, s domain.ConversationSettings) error {
	conv := e.directory.Get(conversationID)
	if conv == nil {
		loaded, err := e.deps.Conversations.FindByID(ctx, conversationID)
		if err != nil {
			return err
		}
		conv = loaded
	}
	if !conv.HasMember(e.userID) {
		return fmt.Errorf("not a member of conversation %s: %w", conversationID, repository.ErrNotPermitted)
	}
	if err := e.deps.Conversations.UpdateSettings(ctx, conversationID, e.userID, s); err != nil {
		return err
	}
	e.directory.ApplySettings(conversationID, s)

	ev := domain.ChangeEvent{Type: domain.EventSettings, ConversationID: conversationID, UserID: e.userID}
	if err := e.deps.PubSub.PublishEvent(ctx, repository.DirectoryChannel(e.userID), &ev); err != nil {
		logger.Log.Errorf("engine: publish settings event", err)
	}
	return nil
}

// CloseConversation 關房：取消 conversation 串流，快取保留，
// in-flight 的送出照常完成
func (e *Engine) CloseConversation() {
	e.ingress.CloseConversation()
	e.directory.SetActive("")
}

// Send 送出訊息。永遠先入列再嘗試遞送：離線或失敗時訊息留在
// durable 佇列，回到 UI 的是帶 queued/scheduled 狀態的 optimistic 記錄。
// 權限不足立即回錯誤，不入列
func (e *Engine) Send(ctx context.Context, req domain.WSRequest) (*domain.Message, error) {
	if req.Body == "" && len(req.Attachments) == 0 {
		return nil, fmt.Errorf("empty message: %w", repository.ErrNotPermitted)
	}
	if err := e.canSend(ctx, req.ConversationID); err != nil {
		return nil, err
	}

	msg := domain.Message{
		ClientKey:      req.ClientKey,
		ConversationID: req.ConversationID,
		SenderID:       e.userID,
		Kind:           domain.ContentKind(req.Kind),
		CreatedAt:      time.Now().UnixMilli(),
		ReplyTo:        req.ReplyTo,
		Attachments:    req.Attachments,
	}
	if msg.ClientKey == "" {
		msg.ClientKey = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindText
	}
	if req.Body != "" {
		body := req.Body
		msg.Body = &body
	}

	item := domain.QueuedSendItem{Message: msg, State: domain.QueueStateQueued}
	msg.Delivery = domain.DeliveryQueued
	if req.ScheduledAt > time.Now().UnixMilli() {
		item.SendAt = req.ScheduledAt
		item.State = domain.QueueStateScheduled
		msg.Delivery = domain.DeliveryScheduled
		msg.Meta = &domain.MessageMeta{ScheduledAt: req.ScheduledAt}
		item.Message.Meta = msg.Meta
	}

	if err := e.queue.Append(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	e.cacheFor(msg.ConversationID).Merge(msg)
	e.directory.ApplyMessage(&msg)

	if item.State == domain.QueueStateQueued {
		e.reconciler.NotifyOnline()
	}
	return &msg, nil
}

// canSend 成員資格與封鎖檢查。這類失敗屬於永久性，直接回錯誤
func (e *Engine) canSend(ctx context.Context, conversationID string) error {
	conv := e.directory.Get(conversationID)
	if conv == nil {
		loaded, err := e.deps.Conversations.FindByID(ctx, conversationID)
		if err != nil {
			return err
		}
		conv = loaded
	}
	if !conv.HasMember(e.userID) {
		return fmt.Errorf("not a member of conversation %s: %w", conversationID, repository.ErrNotPermitted)
	}
	if conv.Type == domain.ConversationDirect && e.deps.Profiles != nil {
		for _, m := range conv.Members {
			if m.UserID == e.userID {
				continue
			}
			blocked, err := e.deps.Profiles.IsBlocked(ctx, e.userID, m.UserID)
			if err != nil {
				// 查不到封鎖狀態當作可送，交給 server 端最後把關
				logger.Log.Errorf("engine: blocked check", err)
				return nil
			}
			if blocked {
				return fmt.Errorf("user pair is blocked: %w", repository.ErrNotPermitted)
			}
		}
	}
	return nil
}

// afterConfirm server 確認落庫後的收尾：更新 conversation 活動時間、
// 廣播 row-change、發推播通知、需要時丟 link-preview 工作。
// 全部 best-effort，失敗不影響已確認的訊息
func (e *Engine) afterConfirm(ctx context.Context, msg *domain.Message) {
	preview := previewOf(msg)
	if err := e.deps.Conversations.TouchActivity(ctx, msg.ConversationID, msg.CreatedAt, preview); err != nil {
		logger.Log.Errorf("engine: touch conversation activity", err)
	}

	e.fanout(ctx, domain.ChangeEvent{
		Type:           domain.EventMessageNew,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})

	if e.deps.Notify != nil {
		if conv := e.directory.Get(msg.ConversationID); conv != nil {
			for _, m := range conv.Members {
				if m.UserID == msg.SenderID {
					continue
				}
				e.deps.Notify.NotifyNewMessage(ctx, repository.NotifyEvent{
					RecipientID:    m.UserID,
					ConversationID: msg.ConversationID,
					SenderID:       msg.SenderID,
					Kind:           msg.Kind,
					Preview:        preview.Body,
					SentAt:         msg.CreatedAt,
				})
			}
		}
	}

	if e.deps.Previews != nil && msg.Body != nil {
		if url := urlPattern.FindString(*msg.Body); url != "" {
			e.deps.Previews.DispatchPreview(repository.PreviewJob{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				URL:            url,
			})
		}
	}
}

// fanout 把 row-change 廣播到 conversation 串流與每個成員的
// directory 串流 (含自己的其他裝置)
func (e *Engine) fanout(ctx context.Context, ev domain.ChangeEvent) {
	if err := e.deps.PubSub.PublishEvent(ctx, repository.ConvChannel(ev.ConversationID), &ev); err != nil {
		logger.Log.Errorf("engine: publish conversation event", err)
	}
	conv := e.directory.Get(ev.ConversationID)
	if conv == nil {
		return
	}
	for _, m := range conv.Members {
		if err := e.deps.PubSub.PublishEvent(ctx, repository.DirectoryChannel(m.UserID), &ev); err != nil {
			logger.Log.Errorf("engine: publish directory event", err)
		}
	}
}

// EditMessage 在編輯視窗內修改自己的訊息，成功後廣播更新
func (e *Engine) EditMessage(ctx context.Context, conversationID, messageID, body string) (*domain.Message, error) {
	cached := e.cacheFor(conversationID).Get(messageID)
	if cached != nil {
		if cached.SenderID != e.userID {
			return nil, fmt.Errorf("only the sender can edit: %w", repository.ErrNotPermitted)
		}
		if time.Now().UnixMilli()-cached.CreatedAt > e.cfg.EditWindow.Milliseconds() {
			return nil, fmt.Errorf("edit window expired: %w", repository.ErrNotPermitted)
		}
	}
	updated, err := e.deps.Messages.Edit(ctx, messageID, e.userID, body, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	e.applyAndFanoutUpdate(ctx, updated)
	return updated, nil
}

// DeleteForEveryone 對所有人刪除：server 留 tombstone，廣播更新
func (e *Engine) DeleteForEveryone(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	updated, err := e.deps.Messages.SoftDelete(ctx, messageID, e.userID, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	e.applyAndFanoutUpdate(ctx, updated)
	return updated, nil
}

// DeleteForMe 只對自己隱藏，不動 server 資料，隱藏集合持久化
func (e *Engine) DeleteForMe(ctx context.Context, conversationID, messageID string) error {
	e.mu.Lock()
	e.hidden[messageID] = true
	hidden := make(map[string]bool, len(e.hidden))
	for id := range e.hidden {
		hidden[id] = true
	}
	e.mu.Unlock()

	e.cacheFor(conversationID).Hide(messageID)
	if err := e.deps.QueueStorage.SaveHidden(ctx, e.userID, hidden); err != nil {
		logger.Log.Errorf("engine: persist hidden set", err)
	}
	return nil
}

// React toggle 表情回應：已有同 emoji 就移除，否則加上
func (e *Engine) React(ctx context.Context, conversationID, messageID, emoji string) (*domain.Message, error) {
	has := false
	if cached := e.cacheFor(conversationID).Get(messageID); cached != nil {
		for _, r := range cached.Reactions {
			if r.UserID == e.userID && r.Emoji == emoji {
				has = true
				break
			}
		}
	}

	var updated *domain.Message
	var err error
	if has {
		updated, err = e.deps.Messages.RemoveReaction(ctx, messageID, e.userID, emoji)
	} else {
		updated, err = e.deps.Messages.AddReaction(ctx, messageID, domain.Reaction{
			UserID:    e.userID,
			Emoji:     emoji,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	if err != nil {
		return nil, err
	}
	e.applyAndFanoutUpdate(ctx, updated)
	return updated, nil
}

func (e *Engine) applyAndFanoutUpdate(ctx context.Context, msg *domain.Message) {
	ev := domain.ChangeEvent{
		Type:           domain.EventMessageUpdate,
		ConversationID: msg.ConversationID,
		Message:        msg,
	}
	e.Apply(ev)
	e.fanout(ctx, ev)
}

// RetrySend 手動重試 failed 項目：歸零重試次數後立刻 drain 一輪
func (e *Engine) RetrySend(ctx context.Context, conversationID, clientKey string) error {
	ok, err := e.queue.Requeue(ctx, clientKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no failed item for key %s: %w", clientKey, repository.ErrNotFound)
	}
	e.cacheFor(conversationID).SetDelivery(clientKey, domain.DeliveryQueued)
	e.reconciler.NotifyOnline()
	return nil
}

// DiscardSend 丟棄 failed 或排程中的項目，從佇列與快取一併移除
func (e *Engine) DiscardSend(ctx context.Context, conversationID, clientKey string) error {
	if err := e.queue.Remove(ctx, clientKey); err != nil {
		return err
	}
	e.cacheFor(conversationID).Remove(clientKey)
	return nil
}

// MarkReadUpToLatest 把 conversation 標到目前快取最新訊息。
// 本地立即生效，marker 廣播給其他成員與自己的其他裝置
func (e *Engine) MarkReadUpToLatest(ctx context.Context, conversationID string) *domain.ReadMarker {
	marker := e.reads.MarkRead(ctx, conversationID, e.cacheFor(conversationID).Newest())
	e.directory.SetUnread(conversationID, 0)

	e.fanout(ctx, domain.ChangeEvent{
		Type:           domain.EventReadMarker,
		ConversationID: conversationID,
		Marker:         marker,
	})
	return marker
}

// LoadOlder 往前翻一頁，合併進快取後回傳完整快照
func (e *Engine) LoadOlder(ctx context.Context, conversationID string, beforeTS int64) ([]domain.Message, error) {
	cache := e.cacheFor(conversationID)
	if beforeTS <= 0 {
		beforeTS = cache.OldestTS()
	}
	page, err := e.deps.Messages.FindBefore(ctx, conversationID, beforeTS, e.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	cache.Merge(e.resolveAttachments(ctx, page)...)
	return e.renderMessages(cache.Snapshot()), nil
}

// Messages 目前快取的完整快照 (含 pending/failed，過濾本地隱藏)
func (e *Engine) Messages(conversationID string) []domain.Message {
	return e.renderMessages(e.cacheFor(conversationID).Snapshot())
}

// renderMessages 套上已讀回條狀態
func (e *Engine) renderMessages(msgs []domain.Message) []domain.Message {
	for i := range msgs {
		if msgs[i].SenderID == e.userID {
			msgs[i].Delivery = e.reads.StateFor(&msgs[i])
		}
	}
	return msgs
}

// resolveAttachments 補上附件的暫時下載連結。解析失敗留空，
// 之後重新進快取時再補
func (e *Engine) resolveAttachments(ctx context.Context, msgs []domain.Message) []domain.Message {
	if e.deps.Attachments == nil {
		return msgs
	}
	for i := range msgs {
		for j := range msgs[i].Attachments {
			att := &msgs[i].Attachments[j]
			if att.URL != "" || att.Path == "" {
				continue
			}
			url, err := e.deps.Attachments.ResolveURL(ctx, att.Path)
			if err != nil {
				logger.Log.Warn("engine: resolve attachment url: " + err.Error())
				continue
			}
			att.URL = url
		}
	}
	return msgs
}

// UploadAttachment 上傳附件到物件儲存，回傳可放進訊息的附件描述
func (e *Engine) UploadAttachment(ctx context.Context, path string, reader io.Reader, size int64, mime string) (domain.Attachment, error) {
	if e.deps.Attachments == nil {
		return domain.Attachment{}, fmt.Errorf("attachment storage unavailable: %w", repository.ErrCapabilityUnavailable)
	}
	if err := e.deps.Attachments.Upload(ctx, path, reader, size, mime); err != nil {
		return domain.Attachment{}, err
	}
	att := domain.Attachment{Path: path, Size: size, Mime: mime}
	if url, err := e.deps.Attachments.ResolveURL(ctx, path); err == nil {
		att.URL = url
	}
	return att, nil
}

// DirectorySnapshot conversation 清單快照，帶校正後的 unread 計數
func (e *Engine) DirectorySnapshot(ctx context.Context) ([]domain.Conversation, error) {
	counts, err := e.caps.UnreadCounts(ctx, e.deps.Messages, e.reads, e.userID, e.directory.IDs())
	if err != nil {
		logger.Log.Errorf("engine: unread counts", err)
	} else {
		for _, cu := range counts {
			e.directory.SetUnread(cu.ConversationID, int64(cu.UnreadCount))
		}
	}
	return e.directory.Snapshot(), nil
}

// UnreadCounts 各 conversation 的 unread (可能是降級後的 0/1 近似值)
func (e *Engine) UnreadCounts(ctx context.Context) ([]domain.ConversationUnread, error) {
	return e.caps.UnreadCounts(ctx, e.deps.Messages, e.reads, e.userID, e.directory.IDs())
}

// SetTyping 廣播自己的 typing 狀態 (debounced)
func (e *Engine) SetTyping(ctx context.Context, conversationID string, typing bool) {
	e.presence.Broadcast(ctx, conversationID, typing)
}

// TypingUsers 指定 conversation 目前輸入中的其他成員
func (e *Engine) TypingUsers(conversationID string) []string {
	return e.presence.TypingUsers(conversationID)
}

// QueueItems 離線佇列快照 (UI 顯示 failed/scheduled 項目用)
func (e *Engine) QueueItems() []domain.QueuedSendItem {
	return e.queue.Items()
}

// Degraded 是否處於 reduced-functionality 模式
func (e *Engine) Degraded() bool {
	return e.caps.Degraded()
}
