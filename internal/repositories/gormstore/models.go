// Package gormstore is the relational backend for the conversation and
// message stores. Documents map to flat rows: ids stay ObjectID hex strings
// and the list-shaped fields (active path, versions, attachments) live in
// JSON columns.
package gormstore

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"gorm.io/datatypes"

	"branchtalk-ai/internal/models"
)

type ConversationRow struct {
	ID         string `gorm:"primaryKey;size:24"`
	UserID     string `gorm:"size:24;index"`
	Title      string
	ActivePath datatypes.JSON
	Settings   datatypes.JSON
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ConversationRow) TableName() string { return "conversations" }

type MessageRow struct {
	ID             string  `gorm:"primaryKey;size:24"`
	UserID         string  `gorm:"size:24"`
	ConversationID string  `gorm:"size:24;index"`
	ParentID       *string `gorm:"size:24"`
	Role           string  `gorm:"size:16"`
	Content        string
	BranchIndex    int
	IsActive       bool
	IsEdited       bool
	Versions       datatypes.JSON
	Files          datatypes.JSON
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (MessageRow) TableName() string { return "messages" }

func toConversationRow(conversation *models.Conversation) (*ConversationRow, error) {
	path := make([]string, len(conversation.ActivePath))
	for i, id := range conversation.ActivePath {
		path[i] = id.Hex()
	}
	pathJSON, err := json.Marshal(path)
	if err != nil {
		return nil, errors.Wrap(err, "marshal active path")
	}
	settingsJSON, err := json.Marshal(conversation.Settings)
	if err != nil {
		return nil, errors.Wrap(err, "marshal settings")
	}
	return &ConversationRow{
		ID:         conversation.ID.Hex(),
		UserID:     conversation.UserID.Hex(),
		Title:      conversation.Title,
		ActivePath: pathJSON,
		Settings:   settingsJSON,
		CreatedAt:  conversation.CreatedAt,
		UpdatedAt:  conversation.UpdatedAt,
	}, nil
}

func fromConversationRow(row *ConversationRow) (*models.Conversation, error) {
	id, err := primitive.ObjectIDFromHex(row.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "conversation id %q", row.ID)
	}
	userID, err := primitive.ObjectIDFromHex(row.UserID)
	if err != nil {
		return nil, errors.Wrapf(err, "user id %q", row.UserID)
	}

	var pathHex []string
	if len(row.ActivePath) > 0 {
		if err := json.Unmarshal(row.ActivePath, &pathHex); err != nil {
			return nil, errors.Wrap(err, "unmarshal active path")
		}
	}
	path := make([]primitive.ObjectID, len(pathHex))
	for i, hex := range pathHex {
		if path[i], err = primitive.ObjectIDFromHex(hex); err != nil {
			return nil, errors.Wrapf(err, "active path entry %q", hex)
		}
	}

	var settings models.ConversationSettings
	if len(row.Settings) > 0 {
		if err := json.Unmarshal(row.Settings, &settings); err != nil {
			return nil, errors.Wrap(err, "unmarshal settings")
		}
	}

	return &models.Conversation{
		UserID:     userID,
		Title:      row.Title,
		ActivePath: path,
		Settings:   settings,
		Base: models.Base{
			ID:        id,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
	}, nil
}

func toMessageRow(message *models.Message) (*MessageRow, error) {
	var parentID *string
	if message.ParentID != nil {
		hex := message.ParentID.Hex()
		parentID = &hex
	}
	versionsJSON, err := json.Marshal(message.Versions)
	if err != nil {
		return nil, errors.Wrap(err, "marshal versions")
	}
	var filesJSON datatypes.JSON
	if message.Files != nil {
		if filesJSON, err = json.Marshal(message.Files); err != nil {
			return nil, errors.Wrap(err, "marshal files")
		}
	}
	return &MessageRow{
		ID:             message.ID.Hex(),
		UserID:         message.UserID.Hex(),
		ConversationID: message.ConversationID.Hex(),
		ParentID:       parentID,
		Role:           message.Role,
		Content:        message.Content,
		BranchIndex:    message.BranchIndex,
		IsActive:       message.IsActive,
		IsEdited:       message.IsEdited,
		Versions:       versionsJSON,
		Files:          filesJSON,
		CreatedAt:      message.CreatedAt,
		UpdatedAt:      message.UpdatedAt,
	}, nil
}

func fromMessageRow(row *MessageRow) (*models.Message, error) {
	id, err := primitive.ObjectIDFromHex(row.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "message id %q", row.ID)
	}
	userID, err := primitive.ObjectIDFromHex(row.UserID)
	if err != nil {
		return nil, errors.Wrapf(err, "user id %q", row.UserID)
	}
	conversationID, err := primitive.ObjectIDFromHex(row.ConversationID)
	if err != nil {
		return nil, errors.Wrapf(err, "conversation id %q", row.ConversationID)
	}

	var parentID *primitive.ObjectID
	if row.ParentID != nil {
		parsed, err := primitive.ObjectIDFromHex(*row.ParentID)
		if err != nil {
			return nil, errors.Wrapf(err, "parent id %q", *row.ParentID)
		}
		parentID = &parsed
	}

	var versions []models.MessageVersion
	if len(row.Versions) > 0 {
		if err := json.Unmarshal(row.Versions, &versions); err != nil {
			return nil, errors.Wrap(err, "unmarshal versions")
		}
	}
	var files *[]models.FileAttachment
	if len(row.Files) > 0 {
		if err := json.Unmarshal(row.Files, &files); err != nil {
			return nil, errors.Wrap(err, "unmarshal files")
		}
	}

	return &models.Message{
		UserID:         userID,
		ConversationID: conversationID,
		ParentID:       parentID,
		Role:           row.Role,
		Content:        row.Content,
		BranchIndex:    row.BranchIndex,
		IsActive:       row.IsActive,
		IsEdited:       row.IsEdited,
		Versions:       versions,
		Files:          files,
		Base: models.Base{
			ID:        id,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
	}, nil
}
