package models

import (
	"go.mongodb.org/mongo-driver/bson/primitive"

	"branchtalk-ai/internal/constants"
)

type ConversationSettings struct {
	TokenBudget int    `bson:"token_budget" json:"token_budget"`             // estimated-token cap for context assembly
	Provider    string `bson:"provider,omitempty" json:"provider,omitempty"` // empty means the configured default LLM client
}

type Conversation struct {
	UserID     primitive.ObjectID   `bson:"user_id" json:"user_id"`
	Title      string               `bson:"title" json:"title"`
	ActivePath []primitive.ObjectID `bson:"active_path" json:"active_path"` // root-to-leaf message ids of the displayed thread
	Settings   ConversationSettings `bson:"settings" json:"settings"`
	Base       `bson:",inline"`
}

func NewConversation(userID primitive.ObjectID, title string, settings ConversationSettings) *Conversation {
	if title == "" {
		title = constants.DefaultConversationTitle
	}
	if settings.TokenBudget <= 0 {
		settings.TokenBudget = constants.DefaultTokenBudget
	}
	return &Conversation{
		UserID:     userID,
		Title:      title,
		ActivePath: []primitive.ObjectID{},
		Settings:   settings,
		Base:       NewBase(),
	}
}

func DefaultConversationSettings() ConversationSettings {
	return ConversationSettings{
		TokenBudget: constants.DefaultTokenBudget,
	}
}

// PathTail returns the leaf of the active path, or nil when the path is empty.
func (c *Conversation) PathTail() *primitive.ObjectID {
	if len(c.ActivePath) == 0 {
		return nil
	}
	tail := c.ActivePath[len(c.ActivePath)-1]
	return &tail
}
