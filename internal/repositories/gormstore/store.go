package gormstore

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"branchtalk-ai/internal/models"
	"branchtalk-ai/internal/repositories"
)

// Open connects to PostgreSQL and migrates the conversation schema.
func Open(dsn string, log *zap.SugaredLogger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to PostgreSQL")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	log.Info("✨ Connected to PostgreSQL.")
	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConversationRow{}, &MessageRow{}); err != nil {
		return errors.Wrap(err, "migrating conversation schema")
	}
	return nil
}

type conversationRepository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewConversationRepository(db *gorm.DB, log *zap.SugaredLogger) repositories.ConversationRepository {
	log.Info("🚀 Initialized Repository : Conversation (PostgreSQL)")
	return &conversationRepository{db: db, log: log}
}

func (r *conversationRepository) Create(conversation *models.Conversation) error {
	row, err := toConversationRow(conversation)
	if err != nil {
		return err
	}
	return errors.Wrap(r.db.Create(row).Error, "creating conversation")
}

func (r *conversationRepository) Update(id primitive.ObjectID, conversation *models.Conversation) error {
	conversation.Touch()
	row, err := toConversationRow(conversation)
	if err != nil {
		return err
	}
	row.ID = id.Hex()
	return errors.Wrap(r.db.Save(row).Error, "updating conversation")
}

func (r *conversationRepository) Delete(id primitive.ObjectID) error {
	return errors.Wrap(r.db.Delete(&ConversationRow{}, "id = ?", id.Hex()).Error, "deleting conversation")
}

func (r *conversationRepository) FindByID(id primitive.ObjectID) (*models.Conversation, error) {
	var row ConversationRow
	err := r.db.First(&row, "id = ?", id.Hex()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding conversation")
	}
	return fromConversationRow(&row)
}

func (r *conversationRepository) FindByUserID(userID primitive.ObjectID, page int, pageSize int) ([]*models.Conversation, int64, error) {
	var total int64
	if err := r.db.Model(&ConversationRow{}).Where("user_id = ?", userID.Hex()).Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting conversations")
	}

	var rows []ConversationRow
	err := r.db.Where("user_id = ?", userID.Hex()).
		Order("updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing conversations")
	}

	conversations := make([]*models.Conversation, 0, len(rows))
	for i := range rows {
		conversation, err := fromConversationRow(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		conversations = append(conversations, conversation)
	}
	return conversations, total, nil
}

func (r *conversationRepository) UpdateTitle(id primitive.ObjectID, title string) error {
	err := r.db.Model(&ConversationRow{}).Where("id = ?", id.Hex()).
		Updates(map[string]interface{}{"title": title, "updated_at": time.Now()}).Error
	return errors.Wrap(err, "updating conversation title")
}

func (r *conversationRepository) UpdateActivePath(id primitive.ObjectID, path []primitive.ObjectID) error {
	hexPath := make([]string, len(path))
	for i, messageID := range path {
		hexPath[i] = messageID.Hex()
	}
	pathJSON, err := json.Marshal(hexPath)
	if err != nil {
		return errors.Wrap(err, "marshal active path")
	}
	err = r.db.Model(&ConversationRow{}).Where("id = ?", id.Hex()).
		Updates(map[string]interface{}{"active_path": datatypes.JSON(pathJSON), "updated_at": time.Now()}).Error
	return errors.Wrap(err, "updating active path")
}

type messageRepository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewMessageRepository(db *gorm.DB, log *zap.SugaredLogger) repositories.MessageRepository {
	log.Info("🚀 Initialized Repository : Message (PostgreSQL)")
	return &messageRepository{db: db, log: log}
}

func (r *messageRepository) Create(message *models.Message) error {
	row, err := toMessageRow(message)
	if err != nil {
		return err
	}
	if err := r.db.Create(row).Error; err != nil {
		return errors.Wrap(err, "creating message")
	}
	go r.updateConversationTimeStamp(message.ConversationID)
	return nil
}

func (r *messageRepository) CreateMany(messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	rows := make([]*MessageRow, 0, len(messages))
	for _, message := range messages {
		row, err := toMessageRow(message)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := r.db.Create(&rows).Error; err != nil {
		return errors.Wrap(err, "creating messages")
	}
	go r.updateConversationTimeStamp(messages[0].ConversationID)
	return nil
}

func (r *messageRepository) Update(id primitive.ObjectID, message *models.Message) error {
	message.Touch()
	row, err := toMessageRow(message)
	if err != nil {
		return err
	}
	row.ID = id.Hex()
	if err := r.db.Save(row).Error; err != nil {
		return errors.Wrap(err, "updating message")
	}
	go r.updateConversationTimeStamp(message.ConversationID)
	return nil
}

func (r *messageRepository) Delete(id primitive.ObjectID) error {
	return errors.Wrap(r.db.Delete(&MessageRow{}, "id = ?", id.Hex()).Error, "deleting message")
}

func (r *messageRepository) DeleteByConversation(conversationID primitive.ObjectID) error {
	err := r.db.Delete(&MessageRow{}, "conversation_id = ?", conversationID.Hex()).Error
	return errors.Wrap(err, "deleting conversation messages")
}

func (r *messageRepository) FindByID(id primitive.ObjectID) (*models.Message, error) {
	var row MessageRow
	err := r.db.First(&row, "id = ?", id.Hex()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding message")
	}
	return fromMessageRow(&row)
}

func (r *messageRepository) FindByConversation(conversationID primitive.ObjectID) ([]*models.Message, error) {
	var rows []MessageRow
	err := r.db.Where("conversation_id = ?", conversationID.Hex()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing conversation messages")
	}

	messages := make([]*models.Message, 0, len(rows))
	for i := range rows {
		message, err := fromMessageRow(&rows[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (r *messageRepository) CountByConversation(conversationID primitive.ObjectID) (int64, error) {
	var count int64
	err := r.db.Model(&MessageRow{}).Where("conversation_id = ?", conversationID.Hex()).Count(&count).Error
	return count, errors.Wrap(err, "counting conversation messages")
}

// SetActiveFlags marks exactly the given messages active inside one
// transaction, so readers never observe a half switched path.
func (r *messageRepository) SetActiveFlags(conversationID primitive.ObjectID, activeIDs []primitive.ObjectID) error {
	hexIDs := make([]string, len(activeIDs))
	for i, id := range activeIDs {
		hexIDs[i] = id.Hex()
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if len(hexIDs) == 0 {
			return tx.Model(&MessageRow{}).
				Where("conversation_id = ?", conversationID.Hex()).
				Update("is_active", false).Error
		}
		if err := tx.Model(&MessageRow{}).
			Where("conversation_id = ? AND id IN ?", conversationID.Hex(), hexIDs).
			Update("is_active", true).Error; err != nil {
			return err
		}
		return tx.Model(&MessageRow{}).
			Where("conversation_id = ? AND id NOT IN ?", conversationID.Hex(), hexIDs).
			Update("is_active", false).Error
	})
	return errors.Wrap(err, "setting active flags")
}

func (r *messageRepository) updateConversationTimeStamp(conversationID primitive.ObjectID) {
	err := r.db.Model(&ConversationRow{}).Where("id = ?", conversationID.Hex()).
		Update("updated_at", time.Now()).Error
	if err != nil {
		r.log.Warnf("updateConversationTimeStamp -> failed for %s: %v", conversationID.Hex(), err)
	}
}
