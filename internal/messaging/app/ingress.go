package app

import (
	"context"
	"sync"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg/logger"
)

// Ingress 即時事件入口。每個 session 維持兩條訂閱：
// directory 串流 (常駐) 與目前開啟的 conversation 串流 (最多一條)。
// 串流斷掉時固定延遲後重新訂閱，重訂失敗發出 slow-connection 訊號但不拆狀態
type Ingress struct {
	pubsub     repository.RealtimePubSub
	apply      func(ev domain.ChangeEvent) // 跟 reconciler 共用的合併路徑
	resubDelay time.Duration
	onSlow     func()

	mu         sync.Mutex
	root       context.Context
	dirCancel  context.CancelFunc
	convID     string
	convCancel context.CancelFunc
}

// NewIngress create an Ingress
func NewIngress(pubsub repository.RealtimePubSub, resubDelay time.Duration, apply func(domain.ChangeEvent), onSlow func()) *Ingress {
	return &Ingress{pubsub: pubsub, resubDelay: resubDelay, apply: apply, onSlow: onSlow}
}

// Start 訂閱 directory 串流與 typing 通知，session 結束前常駐
func (i *Ingress) Start(ctx context.Context, userID string) error {
	i.mu.Lock()
	i.root = ctx
	subCtx, cancel := context.WithCancel(ctx)
	i.dirCancel = cancel
	i.mu.Unlock()
	return i.subscribe(subCtx, repository.DirectoryChannel(userID))
}

// OpenConversation 切換 conversation 串流。永遠只留一條：
// 先取消前一條再開新的
func (i *Ingress) OpenConversation(convID string) error {
	i.mu.Lock()
	if i.convCancel != nil {
		i.convCancel()
		i.convCancel = nil
	}
	if i.root == nil {
		i.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(i.root)
	i.convID = convID
	i.convCancel = cancel
	i.mu.Unlock()

	if err := i.subscribe(subCtx, repository.ConvChannel(convID)); err != nil {
		return err
	}
	return i.subscribe(subCtx, repository.TypingChannel(convID))
}

// CloseConversation 關掉目前的 conversation 串流
func (i *Ingress) CloseConversation() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.convCancel != nil {
		i.convCancel()
		i.convCancel = nil
	}
	i.convID = ""
}

// subscribe 訂閱單一 channel；串流意外斷掉時固定延遲後重訂，
// 重訂失敗視為連線品質問題，通知 UI 後繼續重試
func (i *Ingress) subscribe(ctx context.Context, channel string) error {
	onDrop := func(err error) {
		logger.Log.Warn("ingress: stream dropped: " + err.Error())
		i.resubscribeLater(ctx, channel)
	}
	return i.pubsub.Subscribe(ctx, channel, i.apply, onDrop)
}

func (i *Ingress) resubscribeLater(ctx context.Context, channel string) {
	time.AfterFunc(i.resubDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := i.subscribe(ctx, channel); err != nil {
			logger.Log.Errorf("ingress: resubscribe "+channel, err)
			if i.onSlow != nil {
				i.onSlow()
			}
			i.resubscribeLater(ctx, channel)
		}
	})
}
