package repositories

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"branchtalk-ai/internal/models"
	"branchtalk-ai/pkg/mongodb"
)

type ConversationRepository interface {
	Create(conversation *models.Conversation) error
	Update(id primitive.ObjectID, conversation *models.Conversation) error
	Delete(id primitive.ObjectID) error
	FindByID(id primitive.ObjectID) (*models.Conversation, error)
	FindByUserID(userID primitive.ObjectID, page, pageSize int) ([]*models.Conversation, int64, error)
	UpdateTitle(id primitive.ObjectID, title string) error
	UpdateActivePath(id primitive.ObjectID, path []primitive.ObjectID) error
}

type conversationRepository struct {
	conversationCollection *mongo.Collection
}

func NewConversationRepository(mongoClient *mongodb.MongoDBClient) ConversationRepository {
	return &conversationRepository{
		conversationCollection: mongoClient.GetCollectionByName("conversations"),
	}
}

func (r *conversationRepository) Create(conversation *models.Conversation) error {
	_, err := r.conversationCollection.InsertOne(context.Background(), conversation)
	return err
}

func (r *conversationRepository) Update(id primitive.ObjectID, conversation *models.Conversation) error {
	conversation.UpdatedAt = time.Now()
	filter := bson.M{"_id": id}
	update := bson.M{"$set": conversation}
	_, err := r.conversationCollection.UpdateOne(context.Background(), filter, update)
	return err
}

func (r *conversationRepository) Delete(id primitive.ObjectID) error {
	filter := bson.M{"_id": id}
	_, err := r.conversationCollection.DeleteOne(context.Background(), filter)
	return err
}

func (r *conversationRepository) FindByID(id primitive.ObjectID) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.conversationCollection.FindOne(context.Background(), bson.M{"_id": id}).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	return &conversation, err
}

func (r *conversationRepository) FindByUserID(userID primitive.ObjectID, page, pageSize int) ([]*models.Conversation, int64, error) {
	var conversations []*models.Conversation
	filter := bson.M{"user_id": userID}

	// Get total count
	total, err := r.conversationCollection.CountDocuments(context.Background(), filter)
	if err != nil {
		return nil, 0, err
	}

	// Setup pagination, most recently touched first
	skip := int64((page - 1) * pageSize)
	opts := options.Find().
		SetSkip(skip).
		SetLimit(int64(pageSize)).
		SetSort(bson.D{{Key: "updated_at", Value: -1}})

	cursor, err := r.conversationCollection.Find(context.Background(), filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(context.Background())

	err = cursor.All(context.Background(), &conversations)
	return conversations, total, err
}

func (r *conversationRepository) UpdateTitle(id primitive.ObjectID, title string) error {
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{"title": title, "updated_at": time.Now()}}
	_, err := r.conversationCollection.UpdateOne(context.Background(), filter, update)
	return err
}

func (r *conversationRepository) UpdateActivePath(id primitive.ObjectID, path []primitive.ObjectID) error {
	if path == nil {
		path = []primitive.ObjectID{}
	}
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{"active_path": path, "updated_at": time.Now()}}
	_, err := r.conversationCollection.UpdateOne(context.Background(), filter, update)
	return err
}
