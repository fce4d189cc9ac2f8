package repository

import (
	"context"
	"errors"

	"carpool_message_service/internal/messaging/domain"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConversationRepository definition conversation store 的窄介面。
// GetOrCreate 以 member_key (type + linked entity + member set) 冪等，
// 同一組合永遠只會有一個 conversation
type ConversationRepository interface {
	GetOrCreate(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error)
	FindByID(ctx context.Context, conversationID string) (*domain.Conversation, error)
	ListByMember(ctx context.Context, userID string) ([]domain.Conversation, error)
	TouchActivity(ctx context.Context, conversationID string, at int64, preview domain.Preview) error
	UpdateSettings(ctx context.Context, conversationID, userID string, s domain.ConversationSettings) error
	GetSettings(ctx context.Context, conversationID, userID string) (domain.ConversationSettings, error)
	UpsertReadMarker(ctx context.Context, marker *domain.ReadMarker) error
	GetReadMarker(ctx context.Context, conversationID, userID string) (*domain.ReadMarker, error)
}

type mongoConversationRepository struct {
	coll     *mongo.Collection
	settings *mongo.Collection
	markers  *mongo.Collection
}

// NewMongoConversationRepository create a ConversationRepository
func NewMongoConversationRepository(db *mongo.Database) ConversationRepository {
	return &mongoConversationRepository{
		coll:     db.Collection("conversations"),
		settings: db.Collection("conversation_settings"),
		markers:  db.Collection("read_markers"),
	}
}

// EnsureConversationIndexes member_key 唯一索引，擋住重複建房
func EnsureConversationIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("conversations").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "member_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = db.Collection("read_markers").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *mongoConversationRepository) GetOrCreate(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	memberIDs := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		memberIDs = append(memberIDs, m.UserID)
	}
	key := domain.MemberKeyFor(conv.Type, conv.LinkedEntityID, memberIDs)

	stored := *conv
	stored.MemberKey = key
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	// 先試插入；撞到唯一索引表示已存在，改撈既有那筆 (get-or-create)
	if _, err := r.coll.InsertOne(ctx, &stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			var existing domain.Conversation
			if err := r.coll.FindOne(ctx, bson.M{"member_key": key}).Decode(&existing); err != nil {
				return nil, err
			}
			return &existing, nil
		}
		return nil, err
	}
	return &stored, nil
}

func (r *mongoConversationRepository) FindByID(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := r.coll.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (r *mongoConversationRepository) ListByMember(ctx context.Context, userID string) ([]domain.Conversation, error) {
	filter := bson.M{"members.user_id": userID}
	opts := options.Find().SetSort(bson.M{"last_activity": -1})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var convs []domain.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *mongoConversationRepository) TouchActivity(ctx context.Context, conversationID string, at int64, preview domain.Preview) error {
	update := bson.M{"$set": bson.M{"last_activity": at, "preview": preview}}
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": conversationID}, update)
	return err
}

// settingsDoc per-user conversation 設定的存放格式
type settingsDoc struct {
	ConversationID string `bson:"conversation_id"`
	UserID         string `bson:"user_id"`
	Pinned         bool   `bson:"pinned"`
	Muted          bool   `bson:"muted"`
	Archived       bool   `bson:"archived"`
}

func (r *mongoConversationRepository) UpdateSettings(ctx context.Context, conversationID, userID string, s domain.ConversationSettings) error {
	filter := bson.M{"conversation_id": conversationID, "user_id": userID}
	update := bson.M{"$set": settingsDoc{
		ConversationID: conversationID,
		UserID:         userID,
		Pinned:         s.Pinned,
		Muted:          s.Muted,
		Archived:       s.Archived,
	}}
	_, err := r.settings.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *mongoConversationRepository) GetSettings(ctx context.Context, conversationID, userID string) (domain.ConversationSettings, error) {
	var doc settingsDoc
	err := r.settings.FindOne(ctx, bson.M{"conversation_id": conversationID, "user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.ConversationSettings{}, nil
	}
	if err != nil {
		return domain.ConversationSettings{}, err
	}
	return domain.ConversationSettings{Pinned: doc.Pinned, Muted: doc.Muted, Archived: doc.Archived}, nil
}

func (r *mongoConversationRepository) UpsertReadMarker(ctx context.Context, marker *domain.ReadMarker) error {
	filter := bson.M{"conversation_id": marker.ConversationID, "user_id": marker.UserID}
	// marker 只會往前走，不回退
	update := bson.M{
		"$max": bson.M{"last_read_at": marker.LastReadAt},
		"$set": bson.M{"last_read_msg_id": marker.LastReadMsgID},
	}
	_, err := r.markers.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *mongoConversationRepository) GetReadMarker(ctx context.Context, conversationID, userID string) (*domain.ReadMarker, error) {
	var marker domain.ReadMarker
	err := r.markers.FindOne(ctx, bson.M{"conversation_id": conversationID, "user_id": userID}).Decode(&marker)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &marker, nil
}
