package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"carpool_message_service/internal/messaging/domain"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/pkg/config"
	"carpool_message_service/pkg/logger"
	"carpool_message_service/pkg/middlewares"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// MessagingWebsocketHandler websocket 進入點。
// 每條連線建立一個 session Engine，斷線時停掉
type MessagingWebsocketHandler struct {
	deps EngineDeps
	cfg  EngineConfig
}

// NewMessagingWebsocketHandler create MessagingWebsocketHandler
func NewMessagingWebsocketHandler(deps EngineDeps, cfg EngineConfig) *MessagingWebsocketHandler {
	return &MessagingWebsocketHandler{deps: deps, cfg: cfg}
}

// wsConn 包一層 write lock：emit 來自背景 goroutine，
// gorilla 的 WriteMessage 不允許並發寫
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(resp domain.WSResponse) {
	b, _ := json.Marshal(resp)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		logger.Log.Errorf("write message error:", err)
	}
}

// HandleConnection 是 WebSocket 連線的進入點
func (h *MessagingWebsocketHandler) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	tokenMember := conn.Locals(middlewares.TokenMemberID)
	memberID, ok := tokenMember.(string)
	logger.Log.Info("websocket handle memberID", zap.String("userID", memberID), zap.String("ok", strconv.FormatBool(ok)))
	if !ok || memberID == "" {
		conn.Close()
		return
	}

	ticker := time.NewTicker(10 * time.Minute)
	ctxClose, cancel := context.WithCancel(context.Background())
	wc := &wsConn{conn: conn}

	engine := NewEngine(memberID, h.deps, h.cfg, wc.send)

	defer func() {
		ticker.Stop()
		logger.Log.Info("websocket close", zap.String("userID", memberID))
		engine.Stop()
		conn.Close()
		cancel()
	}()

	//client發出close
	//fiber會自動處理(在read msg 回傳err),故需要SetCloseHandler另外接出
	conn.SetCloseHandler(func(code int, text string) error {
		logger.Log.Infof("WebSocket closed:", conn.RemoteAddr())
		return nil
	})

	//server發出ping之後client連線正常會回pong
	conn.SetPongHandler(func(appData string) error {
		logger.Log.Infof("Received PONG:", appData)
		return nil
	})

	//client發出ping
	conn.SetPingHandler(func(appData string) error {
		logger.Log.Infof("Received PING:", appData)
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(appData),
			time.Now().Add(time.Second),
		)
	})

	// 還原離線佇列、載 directory、訂閱 directory 串流、開始 reconcile。
	// 起不來就斷線，讓 client 重連
	if err := engine.Start(ctxClose); err != nil {
		logger.Log.Errorf("engine start error:", err)
		wc.send(domain.WSResponse{Action: "error", Success: false, Error: clientError(err)})
		return
	}

	// 連上當下把 directory 快照推給前端
	if convs, err := engine.DirectorySnapshot(ctxClose); err == nil {
		wc.send(domain.WSResponse{
			Action:  string(domain.GetDirectory),
			Success: true,
			Payload: map[string]interface{}{"conversations": convs, "queue": engine.QueueItems()},
		})
	}

	// 定期發送 Ping
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, []byte("ping message")); err != nil {
					logger.Log.Errorf("Ping error:", err)
					return
				}
				logger.Log.Infof("%s Ping sent", memberID)
			case <-ctxClose.Done():
				logger.Log.Infof("Ping goroutine cancelled for member:", memberID)
				return
			}
		}
	}()

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Log.Errorf("Connection closed:", err)
			} else {
				logger.Log.Errorf("websocket read error:", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			wc.send(domain.WSResponse{Action: "error", Success: false, Error: "unknown message type"})
			continue
		}
		h.textMessageAction(ctxClose, wc, engine, memberID, message)
	}
}

func (h *MessagingWebsocketHandler) textMessageAction(ctx context.Context, wc *wsConn, engine *Engine, memberID string, msg []byte) {
	var req domain.WSRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		log.Printf("json unmarshal error: %v", err)
		return
	}

	resp := domain.WSResponse{Action: req.Action, Success: false, Payload: map[string]interface{}{}}
	var opErr error
	switch req.Action {
	//建立或取回 conversation (get-or-create 冪等)
	case string(domain.CreateConversation):
		conv, err := engine.CreateConversation(ctx, domain.ConversationType(req.ConversationType), req.LinkedEntityID, req.Members)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["conversation"] = conv
		}

	//開房：載入第一頁 + 切換串流
	case string(domain.OpenConversation):
		msgs, err := engine.OpenConversation(ctx, req.ConversationID)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["messages"] = msgs
			resp.Payload["typing_users"] = engine.TypingUsers(req.ConversationID)
		}

	//關房：取消 conversation 串流，in-flight 送出照常完成
	case string(domain.CloseConversation):
		engine.CloseConversation()
		resp.Success = true

	//送訊息：永遠先入列，回 optimistic 記錄
	case string(domain.SendMessage):
		sent, err := engine.Send(ctx, req)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["message"] = sent
		}

	//編輯 (視窗內)
	case string(domain.EditMessage):
		updated, err := engine.EditMessage(ctx, req.ConversationID, req.MessageID, req.Body)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["message"] = updated
		}

	//對所有人刪除 (tombstone)
	case string(domain.DeleteMessage):
		updated, err := engine.DeleteForEveryone(ctx, req.ConversationID, req.MessageID)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["message"] = updated
		}

	//只對自己隱藏
	case string(domain.DeleteForMe):
		if err := engine.DeleteForMe(ctx, req.ConversationID, req.MessageID); err != nil {
			opErr = err
		} else {
			resp.Success = true
		}

	//表情回應 toggle
	case string(domain.React):
		updated, err := engine.React(ctx, req.ConversationID, req.MessageID, req.Emoji)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["message"] = updated
		}

	//手動重試 failed 項目
	case string(domain.RetrySend):
		if err := engine.RetrySend(ctx, req.ConversationID, req.ClientKey); err != nil {
			opErr = err
		} else {
			resp.Success = true
		}

	//丟棄 failed/排程項目
	case string(domain.DiscardSend):
		if err := engine.DiscardSend(ctx, req.ConversationID, req.ClientKey); err != nil {
			opErr = err
		} else {
			resp.Success = true
		}

	//標記已讀到最新
	case string(domain.MarkRead):
		marker := engine.MarkReadUpToLatest(ctx, req.ConversationID)
		resp.Success = true
		resp.Payload["marker"] = marker

	//往前翻頁
	case string(domain.LoadOlder):
		msgs, err := engine.LoadOlder(ctx, req.ConversationID, req.BeforeTS)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["messages"] = msgs
		}

	//輸入中 (debounced 廣播)
	case string(domain.Typing):
		engine.SetTyping(ctx, req.ConversationID, req.Typing)
		resp.Success = true

	//pin/mute/archive 自己的 conversation 設定
	case string(domain.UpdateSettings):
		if req.Settings == nil {
			resp.Error = "settings required"
		} else if err := engine.UpdateSettings(ctx, req.ConversationID, *req.Settings); err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["settings"] = req.Settings
		}

	//conversation 清單
	case string(domain.GetDirectory):
		convs, err := engine.DirectorySnapshot(ctx)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			resp.Payload["conversations"] = convs
			resp.Payload["degraded"] = engine.Degraded()
		}

	//各 conversation 未讀數
	case string(domain.GetUnread):
		counts, err := engine.UnreadCounts(ctx)
		if err != nil {
			opErr = err
		} else {
			resp.Success = true
			for _, unread := range counts {
				resp.Payload[unread.ConversationID] = unread.UnreadCount
			}
		}

	default:
		resp.Error = "unknown action"
	}

	if opErr != nil {
		// production 只回分類過的錯誤碼，repository/driver 細節留在 log
		logger.Log.Error("websocket err ", zap.String("MemberID", memberID), zap.String("Action", req.Action), zap.Error(opErr))
		resp.Error = clientError(opErr)
	} else if resp.Error != "" {
		logger.Log.Error("websocket err ", zap.String("MemberID", memberID), zap.String("Action", req.Action), zap.String("err", resp.Error))
	}
	wc.send(resp)
}

// clientError 對外錯誤訊息。非 production 原文回傳方便除錯
func clientError(err error) string {
	if !config.IsProduction() {
		return err.Error()
	}
	return classifyError(err)
}

// classifyError 把錯誤收斂成固定的幾個對外訊息
func classifyError(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotPermitted):
		return "not permitted"
	case errors.Is(err, repository.ErrNotFound):
		return "not found"
	case errors.Is(err, repository.ErrCapabilityUnavailable):
		return "service temporarily degraded"
	}
	return "internal error"
}
