package main

import (
	"carpool_message_service/internal/messaging/router"

	"github.com/gofiber/fiber/v2"
)

// 此程式用於init swagger
// swag init output ./docs
func main() {
	// 创建 Fiber 应用
	app := fiber.New()

	// 注册路由
	router.RegisterRoutes(app, nil, nil)

}
