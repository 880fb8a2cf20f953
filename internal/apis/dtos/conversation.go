package dtos

import (
	"branchtalk-ai/internal/models"
	"time"
)

type ConversationSettingsRequest struct {
	TokenBudget *int    `json:"token_budget"`
	Provider    *string `json:"provider"` // openai or gemini, empty means the server default
}

type ConversationSettingsResponse struct {
	TokenBudget int    `json:"token_budget"`
	Provider    string `json:"provider,omitempty"`
}

type CreateConversationRequest struct {
	Title        string                       `json:"title"`
	SystemPrompt *string                      `json:"system_prompt"`
	Settings     *ConversationSettingsRequest `json:"settings,omitempty"`
}

type UpdateConversationRequest struct {
	Title    *string                      `json:"title"`
	Settings *ConversationSettingsRequest `json:"settings"`
}

type ConversationResponse struct {
	ID         string                       `json:"id"`
	UserID     string                       `json:"user_id"`
	Title      string                       `json:"title"`
	ActivePath []string                     `json:"active_path"`
	Settings   ConversationSettingsResponse `json:"settings"`
	CreatedAt  string                       `json:"created_at"`
	UpdatedAt  string                       `json:"updated_at"`
}

type ConversationListResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
	Total         int64                  `json:"total"`
}

func ToConversationDto(conversation *models.Conversation) *ConversationResponse {
	activePath := make([]string, len(conversation.ActivePath))
	for i, id := range conversation.ActivePath {
		activePath[i] = id.Hex()
	}

	return &ConversationResponse{
		ID:         conversation.ID.Hex(),
		UserID:     conversation.UserID.Hex(),
		Title:      conversation.Title,
		ActivePath: activePath,
		Settings: ConversationSettingsResponse{
			TokenBudget: conversation.Settings.TokenBudget,
			Provider:    conversation.Settings.Provider,
		},
		CreatedAt: conversation.CreatedAt.Format(time.RFC3339),
		UpdatedAt: conversation.UpdatedAt.Format(time.RFC3339),
	}
}
