package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg/logger"
)

const (
	previewFetchTimeout = 5 * time.Second
	previewBodyLimit    = 512 << 10 // 只讀前 512KB，title/og tags 都在 head 裡
)

var (
	titlePattern  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	ogDescPattern = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:description["'][^>]+content=["']([^"']*)["']`)
	ogImgPattern  = regexp.MustCompile(`(?is)<meta[^>]+property=["']og:image["'][^>]+content=["']([^"']*)["']`)
)

// PreviewWorker 消化 link-preview 工作佇列：抓取頁面、萃取
// title/og tags、回寫訊息 metadata 並廣播更新事件。
// 單筆失敗 ack 掉不重排，預覽缺了不影響訊息本體
type PreviewWorker struct {
	queue   repository.PreviewQueue
	msgRepo repository.MessageRepository
	pubsub  repository.RealtimePubSub
	client  *http.Client
}

// NewPreviewWorker create a PreviewWorker
func NewPreviewWorker(queue repository.PreviewQueue, msgRepo repository.MessageRepository, pubsub repository.RealtimePubSub) *PreviewWorker {
	return &PreviewWorker{
		queue:   queue,
		msgRepo: msgRepo,
		pubsub:  pubsub,
		client:  &http.Client{Timeout: previewFetchTimeout},
	}
}

// Run 消化工作直到 ctx 結束
func (w *PreviewWorker) Run(ctx context.Context) error {
	deliveries, err := w.queue.ConsumePreview()
	if err != nil {
		return fmt.Errorf("consume preview queue: %w", err)
	}
	logger.Log.Info("link preview worker started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("preview queue channel closed")
			}
			var job repository.PreviewJob
			if err := json.Unmarshal(d.Body, &job); err != nil {
				logger.Log.Errorf("preview job unmarshal error:", err)
				d.Ack(false)
				continue
			}
			if err := w.process(ctx, job); err != nil {
				logger.Log.Errorf("preview job for message "+job.MessageID, err)
			}
			d.Ack(false)
		}
	}
}

func (w *PreviewWorker) process(ctx context.Context, job repository.PreviewJob) error {
	preview, err := w.fetch(ctx, job.URL)
	if err != nil {
		return err
	}

	updated, err := w.msgRepo.SetLinkPreview(ctx, job.MessageID, preview)
	if err != nil {
		return err
	}

	// 預覽補上後用 message_update 推給正在看這個 conversation 的人
	ev := domain.ChangeEvent{
		Type:           domain.EventMessageUpdate,
		ConversationID: job.ConversationID,
		Message:        updated,
	}
	if err := w.pubsub.PublishEvent(ctx, repository.ConvChannel(job.ConversationID), &ev); err != nil {
		logger.Log.Errorf("preview worker: publish update", err)
	}
	return nil
}

func (w *PreviewWorker) fetch(ctx context.Context, url string) (*domain.LinkPreview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, previewBodyLimit))
	if err != nil {
		return nil, err
	}

	preview := &domain.LinkPreview{URL: url}
	if m := titlePattern.FindSubmatch(body); m != nil {
		preview.Title = strings.TrimSpace(string(m[1]))
	}
	if m := ogDescPattern.FindSubmatch(body); m != nil {
		preview.Description = strings.TrimSpace(string(m[1]))
	}
	if m := ogImgPattern.FindSubmatch(body); m != nil {
		preview.ImageURL = strings.TrimSpace(string(m[1]))
	}
	return preview, nil
}
