package dtos

import (
	"time"

	"branchtalk-ai/internal/models"
)

type FileAttachmentRequest struct {
	Name          string  `json:"name" binding:"required"`
	ContentType   string  `json:"content_type"`
	Size          int64   `json:"size"`
	URL           string  `json:"url"`
	ExtractedText *string `json:"extracted_text,omitempty"`
}

type SendMessageRequest struct {
	StreamID string                  `json:"stream_id" binding:"required"`
	Content  string                  `json:"content"` // may be empty when files carry the payload
	Files    []FileAttachmentRequest `json:"files,omitempty"`
	PathID   *string                 `json:"path_id,omitempty"` // switch to this branch before appending
}

type EditMessageRequest struct {
	StreamID string `json:"stream_id" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

type RegenerateMessageRequest struct {
	StreamID string `json:"stream_id" binding:"required"`
}

type FileAttachmentResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ContentType   string  `json:"content_type"`
	Size          int64   `json:"size"`
	URL           string  `json:"url"`
	ExtractedText *string `json:"extracted_text,omitempty"`
}

type MessageVersionResponse struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	IsCurrent bool   `json:"is_current"`
}

type MessageResponse struct {
	ID             string                    `json:"id"`
	ConversationID string                    `json:"conversation_id"`
	ParentID       *string                   `json:"parent_id,omitempty"` // absent for root messages
	Role           string                    `json:"role"`
	Content        string                    `json:"content"`
	BranchIndex    int                       `json:"branch_index"`
	IsActive       bool                      `json:"is_active"`
	IsEdited       bool                      `json:"is_edited"`
	Versions       []MessageVersionResponse  `json:"versions,omitempty"`
	Files          *[]FileAttachmentResponse `json:"files,omitempty"`
	CreatedAt      string                    `json:"created_at"`
	UpdatedAt      string                    `json:"updated_at"`
}

type MessageListResponse struct {
	Messages []MessageResponse `json:"messages"`
	Total    int64             `json:"total"`
}

type MessageVersionListResponse struct {
	Versions []MessageVersionResponse `json:"versions"`
}

func ToMessageDto(msg *models.Message) *MessageResponse {
	var parentID *string
	if msg.ParentID != nil {
		hex := msg.ParentID.Hex()
		parentID = &hex
	}

	versions := make([]MessageVersionResponse, len(msg.Versions))
	for i, version := range msg.Versions {
		versions[i] = ToMessageVersionDto(version)
	}

	return &MessageResponse{
		ID:             msg.ID.Hex(),
		ConversationID: msg.ConversationID.Hex(),
		ParentID:       parentID,
		Role:           msg.Role,
		Content:        msg.Content,
		BranchIndex:    msg.BranchIndex,
		IsActive:       msg.IsActive,
		IsEdited:       msg.IsEdited,
		Versions:       versions,
		Files:          ToFileAttachmentDtos(msg.Files),
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      msg.UpdatedAt.Format(time.RFC3339),
	}
}

func ToMessageVersionDto(version models.MessageVersion) MessageVersionResponse {
	return MessageVersionResponse{
		ID:        version.ID,
		Content:   version.Content,
		CreatedAt: version.CreatedAt.Format(time.RFC3339),
		IsCurrent: version.IsCurrent,
	}
}

func ToFileAttachmentDtos(files *[]models.FileAttachment) *[]FileAttachmentResponse {
	if files == nil {
		return nil
	}

	filesDto := make([]FileAttachmentResponse, len(*files))
	for i, file := range *files {
		filesDto[i] = FileAttachmentResponse{
			ID:            file.ID,
			Name:          file.Name,
			ContentType:   file.ContentType,
			Size:          file.Size,
			URL:           file.URL,
			ExtractedText: file.ExtractedText,
		}
	}
	return &filesDto
}

// ToFileAttachmentModels converts uploaded descriptors into stored ones,
// minting attachment ids.
func ToFileAttachmentModels(files []FileAttachmentRequest) *[]models.FileAttachment {
	if len(files) == 0 {
		return nil
	}

	attachments := make([]models.FileAttachment, len(files))
	for i, file := range files {
		attachments[i] = models.NewFileAttachment(file.Name, file.ContentType, file.Size, file.URL, file.ExtractedText)
	}
	return &attachments
}
