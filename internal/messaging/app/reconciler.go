package app

import (
	"context"
	"errors"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg/logger"
)

// Reconciler 定期把 SendQueue 中到期的項目送進 MessageRepository，
// 並在重新連線時立刻觸發一輪。每個 conversation 內保持入列順序，
// 同 conversation 前一筆暫時失敗時，後面的留到下一輪
type Reconciler struct {
	queue           *SendQueue
	msgRepo         repository.MessageRepository
	interval        time.Duration
	maxAutoAttempts int

	// 送達確認走跟 realtime push 同一條合併路徑
	apply func(ev domain.ChangeEvent)
	// 成功落庫後的 server 側動作 (廣播、通知、link preview)
	confirmed func(ctx context.Context, msg *domain.Message)

	poke chan struct{}
}

// NewReconciler create a Reconciler
func NewReconciler(queue *SendQueue, msgRepo repository.MessageRepository, interval time.Duration, maxAutoAttempts int, apply func(domain.ChangeEvent), confirmed func(context.Context, *domain.Message)) *Reconciler {
	return &Reconciler{
		queue:           queue,
		msgRepo:         msgRepo,
		interval:        interval,
		maxAutoAttempts: maxAutoAttempts,
		apply:           apply,
		confirmed:       confirmed,
		poke:            make(chan struct{}, 1),
	}
}

// NotifyOnline 連線恢復 (或新訊息入列) 時立刻排一輪 flush
func (r *Reconciler) NotifyOnline() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// Run 背景迴圈，ctx 結束時停止
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.poke:
		}
		r.Flush(ctx)
	}
}

// Flush 送出所有到期項目。依 conversation 分組，
// 組內依序送出，組內遇到暫時性失敗就停在那一筆
func (r *Reconciler) Flush(ctx context.Context) {
	due := r.queue.Due(time.Now().UnixMilli())
	if len(due) == 0 {
		return
	}

	stalled := make(map[string]bool) // conversation id → 本輪已卡住
	for _, item := range due {
		convID := item.Message.ConversationID
		if stalled[convID] {
			continue
		}
		if !r.flushOne(ctx, item) {
			stalled[convID] = true
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// flushOne 送出單筆，回傳 false 表示同 conversation 後續本輪先別送
func (r *Reconciler) flushOne(ctx context.Context, item domain.QueuedSendItem) bool {
	msg := item.Message
	saved, err := r.msgRepo.Insert(ctx, &msg)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			// 上一輪其實已經成功，撿回既有紀錄當作確認
			saved, err = r.msgRepo.FindByClientKey(ctx, msg.ConversationID, msg.ClientKey)
		}
		if err != nil {
			return r.recordFailure(ctx, &msg, err)
		}
	}

	if err := r.queue.Remove(ctx, msg.ClientKey); err != nil {
		logger.Log.Errorf("send queue: remove after confirm", err)
	}
	r.apply(domain.ChangeEvent{
		Type:           domain.EventMessageNew,
		ConversationID: saved.ConversationID,
		Message:        saved,
	})
	if r.confirmed != nil {
		r.confirmed(ctx, saved)
	}
	return true
}

func (r *Reconciler) recordFailure(ctx context.Context, msg *domain.Message, cause error) bool {
	if errors.Is(cause, repository.ErrNotPermitted) || errors.Is(cause, repository.ErrNotFound) {
		// 永久性失敗不重試，直接標 failed 等使用者處理
		if e := r.queue.MarkFailed(ctx, msg.ClientKey, cause.Error()); e != nil {
			logger.Log.Errorf("send queue: mark failed", e)
		}
		r.apply(domain.ChangeEvent{
			Type:           domain.EventMessageUpdate,
			ConversationID: msg.ConversationID,
			Message:        failedCopy(msg),
		})
		return true // 永久失敗不擋同 conversation 後面的項目
	}

	exhausted, e := r.queue.RecordAttempt(ctx, msg.ClientKey, cause.Error(), r.maxAutoAttempts)
	if e != nil {
		logger.Log.Errorf("send queue: record attempt", e)
	}
	if exhausted {
		r.apply(domain.ChangeEvent{
			Type:           domain.EventMessageUpdate,
			ConversationID: msg.ConversationID,
			Message:        failedCopy(msg),
		})
		return true
	}
	logger.Log.Warn("send queue: transient send failure, will retry: " + cause.Error())
	return false
}

func failedCopy(msg *domain.Message) *domain.Message {
	cp := *msg
	cp.Delivery = domain.DeliveryFailed
	return &cp
}
