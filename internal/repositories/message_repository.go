package repositories

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"branchtalk-ai/internal/models"
	"branchtalk-ai/pkg/mongodb"
)

type MessageRepository interface {
	Create(message *models.Message) error
	CreateMany(messages []*models.Message) error
	Update(id primitive.ObjectID, message *models.Message) error
	Delete(id primitive.ObjectID) error
	DeleteByConversation(conversationID primitive.ObjectID) error
	FindByID(id primitive.ObjectID) (*models.Message, error)
	FindByConversation(conversationID primitive.ObjectID) ([]*models.Message, error)
	CountByConversation(conversationID primitive.ObjectID) (int64, error)
	SetActiveFlags(conversationID primitive.ObjectID, activeIDs []primitive.ObjectID) error
}

type messageRepository struct {
	client                 *mongodb.MongoDBClient
	conversationCollection *mongo.Collection
	messageCollection      *mongo.Collection
	log                    *zap.SugaredLogger
}

func NewMessageRepository(mongoClient *mongodb.MongoDBClient, log *zap.SugaredLogger) MessageRepository {
	return &messageRepository{
		client:                 mongoClient,
		conversationCollection: mongoClient.GetCollectionByName("conversations"),
		messageCollection:      mongoClient.GetCollectionByName("messages"),
		log:                    log,
	}
}

func (r *messageRepository) Create(message *models.Message) error {
	r.updateConversationTimeStamp(message.ConversationID)
	_, err := r.messageCollection.InsertOne(context.Background(), message)
	return err
}

func (r *messageRepository) CreateMany(messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	docs := make([]interface{}, len(messages))
	for i, m := range messages {
		docs[i] = m
	}
	r.updateConversationTimeStamp(messages[0].ConversationID)
	_, err := r.messageCollection.InsertMany(context.Background(), docs)
	return err
}

func (r *messageRepository) Update(id primitive.ObjectID, message *models.Message) error {
	r.updateConversationTimeStamp(message.ConversationID)
	message.UpdatedAt = time.Now()
	filter := bson.M{"_id": id}
	update := bson.M{"$set": message}
	_, err := r.messageCollection.UpdateOne(context.Background(), filter, update)
	return err
}

func (r *messageRepository) Delete(id primitive.ObjectID) error {
	filter := bson.M{"_id": id}
	_, err := r.messageCollection.DeleteOne(context.Background(), filter)
	return err
}

func (r *messageRepository) DeleteByConversation(conversationID primitive.ObjectID) error {
	filter := bson.M{"conversation_id": conversationID}
	_, err := r.messageCollection.DeleteMany(context.Background(), filter)
	return err
}

func (r *messageRepository) FindByID(id primitive.ObjectID) (*models.Message, error) {
	var message models.Message
	err := r.messageCollection.FindOne(context.Background(), bson.M{"_id": id}).Decode(&message)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	return &message, err
}

// FindByConversation returns the full message set; branch reconstruction
// orders it, so no pagination here.
func (r *messageRepository) FindByConversation(conversationID primitive.ObjectID) ([]*models.Message, error) {
	var messages []*models.Message
	filter := bson.M{"conversation_id": conversationID}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.messageCollection.Find(context.Background(), filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(context.Background())

	err = cursor.All(context.Background(), &messages)
	return messages, err
}

func (r *messageRepository) CountByConversation(conversationID primitive.ObjectID) (int64, error) {
	return r.messageCollection.CountDocuments(context.Background(), bson.M{"conversation_id": conversationID})
}

// SetActiveFlags flips is_active so exactly activeIDs carry it. Preferred
// path is a multi-document transaction; standalone deployments reject those,
// so the fallback is two-phase with activation first. A racing reader then
// sees duplicate actives rather than none, which renders better.
func (r *messageRepository) SetActiveFlags(conversationID primitive.ObjectID, activeIDs []primitive.ObjectID) error {
	if activeIDs == nil {
		activeIDs = []primitive.ObjectID{}
	}
	activate := bson.M{"conversation_id": conversationID, "_id": bson.M{"$in": activeIDs}}
	deactivate := bson.M{"conversation_id": conversationID, "_id": bson.M{"$nin": activeIDs}}

	if err := r.setActiveFlagsInTransaction(activate, deactivate); err != nil {
		r.log.Debugf("SetActiveFlags -> transaction unavailable, falling back to two-phase update: %v", err)
	} else {
		return nil
	}

	ctx := context.Background()
	if _, err := r.messageCollection.UpdateMany(ctx, activate, bson.M{"$set": bson.M{"is_active": true}}); err != nil {
		return err
	}
	_, err := r.messageCollection.UpdateMany(ctx, deactivate, bson.M{"$set": bson.M{"is_active": false}})
	return err
}

func (r *messageRepository) setActiveFlagsInTransaction(activate, deactivate bson.M) error {
	ctx := context.Background()
	session, err := r.client.Client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := r.messageCollection.UpdateMany(sc, activate, bson.M{"$set": bson.M{"is_active": true}}); err != nil {
			return nil, err
		}
		if _, err := r.messageCollection.UpdateMany(sc, deactivate, bson.M{"$set": bson.M{"is_active": false}}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (r *messageRepository) updateConversationTimeStamp(conversationID primitive.ObjectID) {
	go func() {
		filter := bson.M{"_id": conversationID}
		update := bson.M{"$set": bson.M{"updated_at": time.Now()}}
		if _, err := r.conversationCollection.UpdateOne(context.Background(), filter, update); err != nil {
			r.log.Warnf("Error updating conversation timestamp: %v", err)
		}
	}()
}
