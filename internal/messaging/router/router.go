package router

import (
	"context"
	"fmt"
	"time"

	"carpool_message_service/internal/messaging/app"
	"carpool_message_service/internal/messaging/repository"
	errprocess "carpool_message_service/pkg/err"
	"carpool_message_service/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// RegisterRoutes 注册訊息相關的路由
func RegisterRoutes(r *fiber.App, wsHandler *app.MessagingWebsocketHandler, attachments repository.AttachmentRepository) {
	r.Get("/swagger/*", swagger.HandlerDefault)

	r.Use(middlewares.JWTMiddleware())

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		wsHandler.HandleConnection(context.Background(), c)
	}))

	// 附件先走 REST 上傳，拿到 path 後放進 send_message 的 attachments
	r.Post("/attachments", func(c *fiber.Ctx) error {
		return uploadAttachment(c, attachments)
	})
}

// uploadAttachment
// @Summary 上傳訊息附件
// @Accept multipart/form-data
// @Param file formData file true "附件"
// @Success 200 {object} map[string]interface{}
// @Router /attachments [post]
func uploadAttachment(c *fiber.Ctx, attachments repository.AttachmentRepository) error {
	memberID, _ := c.Locals(middlewares.TokenMemberID).(string)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file is required"})
	}

	f, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	defer f.Close()

	// path 帶 user 前綴，避免互相覆蓋
	path := fmt.Sprintf("%s/%d_%s_%s", memberID, time.Now().UnixMilli(), uuid.NewString()[:8], fileHeader.Filename)
	mime := fileHeader.Header.Get("Content-Type")

	ctx, cancel := context.WithTimeout(c.Context(), 30*time.Second)
	defer cancel()
	if err := attachments.Upload(ctx, path, f, fileHeader.Size, mime); err != nil {
		e := errprocess.Set(fmt.Sprintf("upload attachment fail: %v", err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": e.Error()})
	}

	resp := fiber.Map{"path": path, "size": fileHeader.Size, "mime": mime}
	if url, err := attachments.ResolveURL(ctx, path); err == nil {
		resp["url"] = url
	}
	return c.JSON(resp)
}
