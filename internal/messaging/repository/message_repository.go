package repository

import (
	"context"
	"errors"
	"fmt"

	"carpool_message_service/internal/messaging/domain"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MessageRepository definition message store 的窄介面。
// Insert 以 (conversation_id, client_key) 冪等：重複寫入回傳既有資料列而非錯誤
type MessageRepository interface {
	Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	FindByClientKey(ctx context.Context, conversationID, clientKey string) (*domain.Message, error)
	// FindBefore 以 created_at 嚴格小於 beforeTS 的方式往前翻頁
	FindBefore(ctx context.Context, conversationID string, beforeTS int64, limit int) ([]domain.Message, error)
	Edit(ctx context.Context, messageID, senderID string, body string, editedAt int64) (*domain.Message, error)
	SoftDelete(ctx context.Context, messageID, senderID string, deletedAt int64) (*domain.Message, error)
	AddReaction(ctx context.Context, messageID string, r domain.Reaction) (*domain.Message, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (*domain.Message, error)
	// SetLinkPreview 背景 worker 回寫連結預覽，回傳更新後的資料列。
	// 只動 meta.preview，不碰其他 metadata
	SetLinkPreview(ctx context.Context, messageID string, preview *domain.LinkPreview) (*domain.Message, error)
	// CountUnread 偏好路徑：用 $lookup read marker 的 aggregate 一次算出所有
	// conversation 的未讀數；aggregate 不可用時回傳 ErrCapabilityUnavailable
	CountUnread(ctx context.Context, userID string, conversationIDs []string) ([]domain.ConversationUnread, error)
	// HasUnreadSince 降級路徑：單一 conversation 是否有 sinceTS 之後的他人訊息
	HasUnreadSince(ctx context.Context, conversationID, userID string, sinceTS int64) (bool, error)
}

type mongoMessageRepository struct {
	coll    *mongo.Collection
	markers *mongo.Collection
}

// NewMongoMessageRepository create a MessageRepository
func NewMongoMessageRepository(db *mongo.Database) MessageRepository {
	return &mongoMessageRepository{
		coll:    db.Collection("messages"),
		markers: db.Collection("read_markers"),
	}
}

// EnsureMessageIndexes 建立 (conversation_id, client_key) 唯一索引，冪等寫入靠它
func EnsureMessageIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("messages").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "client_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	return err
}

func (r *mongoMessageRepository) Insert(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	_, err := r.coll.InsertOne(ctx, &stored)
	if err != nil {
		// 同一個 client key 重送：回傳已被接受的那筆，不視為錯誤
		if mongo.IsDuplicateKeyError(err) {
			return r.FindByClientKey(ctx, msg.ConversationID, msg.ClientKey)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &stored, nil
}

func (r *mongoMessageRepository) FindByClientKey(ctx context.Context, conversationID, clientKey string) (*domain.Message, error) {
	filter := bson.M{"conversation_id": conversationID, "client_key": clientKey}
	var msg domain.Message
	if err := r.coll.FindOne(ctx, filter).Decode(&msg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (r *mongoMessageRepository) FindBefore(ctx context.Context, conversationID string, beforeTS int64, limit int) ([]domain.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if beforeTS > 0 {
		filter["created_at"] = bson.M{"$lt": beforeTS}
	}
	// 先抓最新的 limit 筆，回傳前不調整順序，排序交給 cache merge
	opts := options.Find().SetSort(bson.M{"created_at": -1}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var msgs []domain.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *mongoMessageRepository) findByID(ctx context.Context, messageID string) (*domain.Message, error) {
	var msg domain.Message
	if err := r.coll.FindOne(ctx, bson.M{"_id": messageID}).Decode(&msg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (r *mongoMessageRepository) Edit(ctx context.Context, messageID, senderID string, body string, editedAt int64) (*domain.Message, error) {
	filter := bson.M{"_id": messageID, "sender_id": senderID, "deleted_at": bson.M{"$exists": false}}
	update := bson.M{"$set": bson.M{"body": body, "edited_at": editedAt}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		// 不是本人的訊息或已刪除
		return nil, ErrNotPermitted
	}
	return r.findByID(ctx, messageID)
}

func (r *mongoMessageRepository) SoftDelete(ctx context.Context, messageID, senderID string, deletedAt int64) (*domain.Message, error) {
	filter := bson.M{"_id": messageID, "sender_id": senderID}
	// tombstone：保留位置，清掉內容與附件
	update := bson.M{
		"$set":   bson.M{"deleted_at": deletedAt},
		"$unset": bson.M{"body": "", "attachments": "", "meta": ""},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotPermitted
	}
	return r.findByID(ctx, messageID)
}

func (r *mongoMessageRepository) AddReaction(ctx context.Context, messageID string, reaction domain.Reaction) (*domain.Message, error) {
	// 同一人同一 emoji 只留一筆
	pull := bson.M{"$pull": bson.M{"reactions": bson.M{"user_id": reaction.UserID, "emoji": reaction.Emoji}}}
	if _, err := r.coll.UpdateOne(ctx, bson.M{"_id": messageID}, pull); err != nil {
		return nil, err
	}
	push := bson.M{"$push": bson.M{"reactions": reaction}}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": messageID}, push)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotFound
	}
	return r.findByID(ctx, messageID)
}

func (r *mongoMessageRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (*domain.Message, error) {
	pull := bson.M{"$pull": bson.M{"reactions": bson.M{"user_id": userID, "emoji": emoji}}}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": messageID}, pull)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotFound
	}
	return r.findByID(ctx, messageID)
}

func (r *mongoMessageRepository) SetLinkPreview(ctx context.Context, messageID string, preview *domain.LinkPreview) (*domain.Message, error) {
	filter := bson.M{"_id": messageID, "deleted_at": bson.M{"$exists": false}}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"meta.preview": preview}})
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		// 訊息在 worker 處理前被刪掉了
		return nil, ErrNotFound
	}
	return r.findByID(ctx, messageID)
}

func (r *mongoMessageRepository) CountUnread(ctx context.Context, userID string, conversationIDs []string) ([]domain.ConversationUnread, error) {
	pipeline := mongo.Pipeline{
		// 1. 只看使用者所屬的 conversation，排除自己發的訊息
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "conversation_id", Value: bson.D{{Key: "$in", Value: conversationIDs}}},
			{Key: "sender_id", Value: bson.D{{Key: "$ne", Value: userID}}},
		}}},
		// 2. lookup 該使用者的 read marker
		bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "read_markers"},
			{Key: "let", Value: bson.D{{Key: "conv", Value: "$conversation_id"}}},
			{Key: "pipeline", Value: bson.A{
				bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$and", Value: bson.A{
					bson.D{{Key: "$eq", Value: bson.A{"$conversation_id", "$$conv"}}},
					bson.D{{Key: "$eq", Value: bson.A{"$user_id", userID}}},
				}}}}}}},
			}},
			{Key: "as", Value: "marker"},
		}}},
		// 3. 留下 marker 之後的訊息 (沒有 marker 視為全部未讀)
		bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$gt", Value: bson.A{
			"$created_at",
			bson.D{{Key: "$ifNull", Value: bson.A{
				bson.D{{Key: "$first", Value: "$marker.last_read_at"}}, 0,
			}}},
		}}}}}}},
		// 4. 按 conversation 分組計數
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$conversation_id"},
			{Key: "unread_count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "last_unread_ts", Value: bson.D{{Key: "$max", Value: "$created_at"}}},
		}}},
	}

	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		// aggregate 被 server 拒絕 (權限/版本) 時交給上層降級，不往外拋原始錯誤
		if cmdErr := new(mongo.CommandError); errors.As(err, cmdErr) {
			return nil, ErrCapabilityUnavailable
		}
		return nil, fmt.Errorf("unread aggregate: %w", err)
	}

	var results []domain.ConversationUnread
	if err := cur.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("unread cursor: %w", err)
	}
	return results, nil
}

func (r *mongoMessageRepository) HasUnreadSince(ctx context.Context, conversationID, userID string, sinceTS int64) (bool, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
		"created_at":      bson.M{"$gt": sinceTS},
	}
	err := r.coll.FindOne(ctx, filter, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
