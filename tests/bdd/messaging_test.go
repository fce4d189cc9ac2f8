package bdd

import (
	"context"
	"fmt"
	"testing"

	"carpool_message_service/internal/messaging/app"
	"carpool_message_service/internal/messaging/domain"

	"github.com/cucumber/godog"
	// 若要輸出到 os.Stdout 就 import "os"
	"os"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Paths:  []string{"./featureFiles"}, // 指向 feature 檔相對路徑
			Format: "pretty",
			Output: os.Stdout, // 將結果輸出到終端
		},
	}

	// 若 suite.Run() != 0 表示測試失敗，可以讓 t.Fail() 或 t.Fatal()
	if suite.Run() != 0 {
		t.Fail()
	}
}

// memoryQueueStorage durable storage 的 in-memory 替身
type memoryQueueStorage struct {
	queues map[string][]domain.QueuedSendItem
}

func newMemoryQueueStorage() *memoryQueueStorage {
	return &memoryQueueStorage{queues: map[string][]domain.QueuedSendItem{}}
}

func (s *memoryQueueStorage) LoadQueue(ctx context.Context, userID string) ([]domain.QueuedSendItem, error) {
	return s.queues[userID], nil
}

func (s *memoryQueueStorage) SaveQueue(ctx context.Context, userID string, items []domain.QueuedSendItem) error {
	cp := make([]domain.QueuedSendItem, len(items))
	copy(cp, items)
	s.queues[userID] = cp
	return nil
}

func (s *memoryQueueStorage) LoadHidden(ctx context.Context, userID string) (map[string]bool, error) {
	return nil, nil
}

func (s *memoryQueueStorage) SaveHidden(ctx context.Context, userID string, hidden map[string]bool) error {
	return nil
}

// member 每個成員一份離線佇列與訊息快取。
// ConversationID 直接放收件者名稱，一人一房的簡化模型
type member struct {
	storage   *memoryQueueStorage
	queue     *app.SendQueue
	cache     *app.MessageCache
	delivered []domain.Message // server 已確認，reconnect 時重放
	offline   bool
}

// 每個 scenario 重置的狀態
var members map[string]*member
var nextKey int

func resetModel() {
	members = map[string]*member{}
	nextKey = 0
}

func memberFor(name string) *member {
	m, ok := members[name]
	if !ok {
		storage := newMemoryQueueStorage()
		m = &member{
			storage: storage,
			queue:   app.NewSendQueue(name, storage),
			cache:   app.NewMessageCache(),
		}
		members[name] = m
	}
	return m
}

// 這個函式用來註冊 Gherkin 與 Step Definition 的對應
func InitializeScenario(s *godog.ScenarioContext) {
	s.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		resetModel()
		return ctx, nil
	})

	s.Step(`^"([^"]*)" 目前離線$`, memberIsOffline)
	s.Step(`^"([^"]*)" 送出訊息 "([^"]*)" 給 "([^"]*)"$`, memberSendsMessage)
	s.Step(`^"([^"]*)" 重新連線$`, memberReconnects)
	s.Step(`^"([^"]*)" 讀取所有訊息$`, memberReadsAll)
	s.Step(`^"([^"]*)" 的離線佇列應該有 (\d+) 筆訊息$`, queueShouldHaveCount)
	s.Step(`^"([^"]*)" 應該收到訊息 "([^"]*)"$`, memberShouldReceive)
	s.Step(`^"([^"]*)" 收到的訊息應該只有 (\d+) 筆$`, inboxShouldHaveCount)
	s.Step(`^訊息 "([^"]*)" 的狀態應該是 "([^"]*)"$`, messageStatusShouldBe)
}

func memberIsOffline(name string) error {
	memberFor(name).offline = true
	return nil
}

func memberSendsMessage(sender, body, to string) error {
	nextKey++
	b := body
	msg := domain.Message{
		ClientKey:      fmt.Sprintf("k%d", nextKey),
		ConversationID: to,
		SenderID:       sender,
		Body:           &b,
		Kind:           domain.KindText,
		CreatedAt:      int64(nextKey) * 1000,
		Delivery:       domain.DeliveryQueued,
	}

	m := memberFor(sender)
	// 永遠先入列，連線時由 reconnect 步驟 drain
	if err := m.queue.Append(context.Background(), domain.QueuedSendItem{Message: msg, State: domain.QueueStateQueued}); err != nil {
		return err
	}
	m.cache.Merge(msg)
	if !m.offline {
		return drainQueue(sender)
	}
	return nil
}

func memberReconnects(name string) error {
	m := memberFor(name)
	m.offline = false

	// 重連視同 app 重啟：佇列從 durable storage 還原
	m.queue = app.NewSendQueue(name, m.storage)
	if err := m.queue.Load(context.Background()); err != nil {
		return err
	}
	return drainQueue(name)
}

// drainQueue 到期項目送達對方，確認後出列。
// 已送達的訊息每次重連都重放一次，收件端靠快取去重
func drainQueue(name string) error {
	ctx := context.Background()
	m := memberFor(name)
	for _, item := range m.queue.Due(1 << 62) {
		confirmed := item.Message
		confirmed.ID = "m-" + confirmed.ClientKey
		confirmed.Delivery = ""

		m.delivered = append(m.delivered, confirmed)
		m.cache.Merge(confirmed)
		memberFor(confirmed.ConversationID).cache.Merge(confirmed)
		if err := m.queue.Remove(ctx, confirmed.ClientKey); err != nil {
			return err
		}
	}
	for _, msg := range m.delivered {
		memberFor(msg.ConversationID).cache.Merge(msg)
	}
	return nil
}

func memberReadsAll(name string) error {
	for _, msg := range memberFor(name).cache.Snapshot() {
		if msg.SenderID == name {
			continue
		}
		// 寄件端的遞送狀態轉為已讀
		memberFor(msg.SenderID).cache.SetDelivery(msg.ClientKey, domain.DeliveryRead)
	}
	return nil
}

func queueShouldHaveCount(name string, expected int) error {
	if got := memberFor(name).queue.Len(); got != expected {
		return fmt.Errorf("expected %d queued messages, got %d", expected, got)
	}
	return nil
}

func memberShouldReceive(name, body string) error {
	for _, msg := range memberFor(name).cache.Snapshot() {
		if msg.SenderID != name && msg.Body != nil && *msg.Body == body {
			return nil
		}
	}
	return fmt.Errorf("%s did not receive %q", name, body)
}

func inboxShouldHaveCount(name string, expected int) error {
	got := 0
	for _, msg := range memberFor(name).cache.Snapshot() {
		if msg.SenderID != name {
			got++
		}
	}
	if got != expected {
		return fmt.Errorf("expected %d inbox messages, got %d", expected, got)
	}
	return nil
}

// messageStatusShouldBe 看的是寄件者自己快取裡的遞送狀態
func messageStatusShouldBe(body, expected string) error {
	for name, m := range members {
		for _, msg := range m.cache.Snapshot() {
			if msg.SenderID != name || msg.Body == nil || *msg.Body != body {
				continue
			}
			if string(msg.Delivery) != expected {
				return fmt.Errorf("expected status %s, got %s", expected, msg.Delivery)
			}
			return nil
		}
	}
	return fmt.Errorf("message %q not found", body)
}
