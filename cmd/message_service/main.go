package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"carpool_message_service/internal/messaging/app"
	"carpool_message_service/internal/messaging/repository"
	"carpool_message_service/internal/messaging/router"
	"carpool_message_service/pkg/config"
	"carpool_message_service/pkg/database"
	"carpool_message_service/pkg/logger"
	testtool "carpool_message_service/pkg/test_tool"

	"github.com/gofiber/fiber/v2"
	fiber_log "github.com/gofiber/fiber/v2/middleware/logger"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.MessageService, config.EnvConfig.MessageServiceLogPath)
	cfg := config.LoadConfig[config.Messaging](config.EnvConfig.MessageService, config.EnvConfig.MessageServiceYAMLPath)
	testtool.StartPprof()

	ctx := context.Background()

	// 1. 建立 Mongo 連線 (訊息與 conversation)
	uri := fmt.Sprintf("mongodb://%s:%s@%s:%d", cfg.MongoSQL.User, cfg.MongoSQL.Password, cfg.MongoSQL.Host, cfg.MongoSQL.Port)
	mongo, err := database.NewMongoDB(ctx,
		database.Connection{
			ConnectStr:    uri,
			RetryCount:    cfg.MongoSQL.RetryCount,
			RetryInterval: time.Duration(cfg.MongoSQL.RetryInterval),
		},
		cfg.MongoSQL.Database)
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to mongoDB database after retries",
			zap.String("address", fmt.Sprintf("[%s]", uri)),
			zap.Error(err),
		)
	}
	defer mongo.Close(ctx)

	// 冪等寫入與 unread 查詢都靠索引，開機先確保存在
	if err := repository.EnsureMessageIndexes(ctx, mongo.Database); err != nil {
		logger.Log.Fatal("Unable to ensure message indexes", zap.Error(err))
	}
	if err := repository.EnsureConversationIndexes(ctx, mongo.Database); err != nil {
		logger.Log.Fatal("Unable to ensure conversation indexes", zap.Error(err))
	}

	// 2. 建立 Redis 連線 (realtime pub/sub + 離線佇列)
	masterName, sentinel := config.GetRedisSetting()
	redisClient, err := database.NewRedisClient(masterName, sentinel, cfg.Redis.RedisDB)
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect redis err : %v", err))
	}

	// 3. 建立 PostgreSQL 連線 (profile 與行程摘要)
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		cfg.PostgreSQL.Host, cfg.PostgreSQL.User, cfg.PostgreSQL.Password, cfg.PostgreSQL.Database, cfg.PostgreSQL.Port)
	pgPool, err := database.NewDatabaseConnection(database.Connection{
		ConnectStr:    fmt.Sprintf("postgres://%s:%s@%s:%d/%s", cfg.PostgreSQL.User, cfg.PostgreSQL.Password, cfg.PostgreSQL.Host, cfg.PostgreSQL.Port, cfg.PostgreSQL.Database),
		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("Unable to connect to postgreSQL database after retries", zap.Error(err))
	}
	gormDB, err := database.NewPGConnection(database.Connection{
		ConnectStr:    dsn,
		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("Unable to open gorm connection after retries", zap.Error(err))
	}

	// 4. 初始化 MinIO 客戶端 (附件)
	minioClient, err := database.NewMinIOConnection(database.MinIOConnection{
		Endpoint:   cfg.MinIO.Endpoint,
		User:       cfg.MinIO.AccessKey,
		Password:   cfg.MinIO.SecretKey,
		BucketName: cfg.MinIO.Bucket,
		UseSSL:     cfg.MinIO.UseSSL,

		RetryCount:    5,
		RetryInterval: 3 * time.Second,
	})
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect minio err : %v", err))
	}

	// 5. Kafka writer (推播通知事件)
	kafkaWriter, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		RetryCount:    5,
		RetryInterval: 3 * time.Second,
	})
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect kafka err : %v", err))
	}

	// 6. RabbitMQ (link-preview 工作佇列)
	rabbitConn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    cfg.RabbitMQ.URL,
		RetryCount:    5,
		RetryInterval: 3 * time.Second,
	})
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect rabbitMQ err : %v", err))
	}
	defer rabbitConn.Close()
	rabbitCh, err := database.GetRabbitMQChannelWithRetry(rabbitConn, 5, 3*time.Second)
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("rabbitMQ channel err : %v", err))
	}
	if err := repository.DeclarePreviewQueue(rabbitCh); err != nil {
		logger.Log.Fatal(fmt.Sprintf("declare preview queue err : %v", err))
	}

	// 7. 初始化 Repository
	msgRepo := repository.NewMongoMessageRepository(mongo.Database)
	convRepo := repository.NewMongoConversationRepository(mongo.Database)
	pubsub := repository.NewRedisPubSub(redisClient)
	queueStorage := repository.NewRedisQueueStorage(redisClient)
	attachments := repository.NewMinIOAttachmentRepository(minioClient)
	notify := repository.NewKafkaNotifyRepository(kafkaWriter)
	previews := repository.NewRabbitPreviewQueue(database.NewRabbitRepository(rabbitCh))
	profiles := repository.NewPgProfileRepository(pgPool)
	rides := repository.NewGormRideRepository(gormDB)

	deps := app.EngineDeps{
		Messages:      msgRepo,
		Conversations: convRepo,
		QueueStorage:  queueStorage,
		PubSub:        pubsub,
		Attachments:   attachments,
		Notify:        notify,
		Previews:      previews,
		Profiles:      profiles,
		Rides:         rides,
	}

	// 8. link-preview worker 跟 service 同進程跑
	previewWorker := app.NewPreviewWorker(previews, msgRepo, pubsub)
	go func() {
		if err := previewWorker.Run(ctx); err != nil {
			logger.Log.Errorf("preview worker stopped:", err)
		}
	}()

	// 9. 啟動 Fiber
	r := fiber.New()
	file, err := os.OpenFile(fmt.Sprintf("%s/access.log", config.EnvConfig.MessageServiceLogPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	r.Use(fiber_log.New(fiber_log.Config{
		Output: file,
	}))

	engineCfg := engineConfigFrom(cfg.Engine)
	router.RegisterRoutes(r, app.NewMessagingWebsocketHandler(deps, engineCfg), attachments)

	port := ":" + cfg.Port
	log.Printf("Message Service listening on %s", port)
	if err := r.Listen(port); err != nil {
		log.Fatalf("Failed to start Fiber: %v", err)
	}
}

// engineConfigFrom YAML 有設定就用，沒設定的吃預設值
func engineConfigFrom(c config.EngineConfig) app.EngineConfig {
	out := app.DefaultEngineConfig()
	if c.ReconcileInterval > 0 {
		out.ReconcileInterval = c.ReconcileInterval
	}
	if c.MaxAutoAttempts > 0 {
		out.MaxAutoAttempts = c.MaxAutoAttempts
	}
	if c.EditWindow > 0 {
		out.EditWindow = c.EditWindow
	}
	if c.TypingTTL > 0 {
		out.TypingTTL = c.TypingTTL
	}
	if c.TypingDebounce > 0 {
		out.TypingDebounce = c.TypingDebounce
	}
	if c.ResubscribeDelay > 0 {
		out.ResubscribeDelay = c.ResubscribeDelay
	}
	if c.PageSize > 0 {
		out.PageSize = c.PageSize
	}
	return out
}
