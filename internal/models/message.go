package models

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Message struct {
	UserID         primitive.ObjectID  `bson:"user_id" json:"user_id"`
	ConversationID primitive.ObjectID  `bson:"conversation_id" json:"conversation_id"`
	ParentID       *primitive.ObjectID `bson:"parent_id,omitempty" json:"parent_id,omitempty"` // nil for root messages
	Role           string              `bson:"role" json:"role"`                               // 'user', 'assistant' or 'system'
	Content        string              `bson:"content" json:"content"`
	BranchIndex    int                 `bson:"branch_index" json:"branch_index"` // parent.BranchIndex + 1; roots are 0, siblings share the value
	IsActive       bool                `bson:"is_active" json:"is_active"`       // true iff the message is on the conversation's active path
	IsEdited       bool                `bson:"is_edited" json:"is_edited"`       // set once content is modified after creation
	Versions       []MessageVersion    `bson:"versions,omitempty" json:"versions,omitempty"`
	Files          *[]FileAttachment   `bson:"files,omitempty" json:"files,omitempty"`
	Base           `bson:",inline"`
}

// MessageVersion is a content snapshot kept across edits and restores.
// Exactly one version carries IsCurrent once the list is non-empty.
type MessageVersion struct {
	ID        string    `bson:"id" json:"id"`
	Content   string    `bson:"content" json:"content"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	IsCurrent bool      `bson:"is_current" json:"is_current"`
}

// FileAttachment is an opaque descriptor; upload and storage happen upstream.
type FileAttachment struct {
	ID            string  `bson:"id" json:"id"`
	Name          string  `bson:"name" json:"name"`
	ContentType   string  `bson:"content_type" json:"content_type"`
	Size          int64   `bson:"size" json:"size"`
	URL           string  `bson:"url" json:"url"`
	ExtractedText *string `bson:"extracted_text,omitempty" json:"extracted_text,omitempty"` // text rendition supplied by the file pipeline, if any
}

func NewMessage(userID, conversationID primitive.ObjectID, role, content string, parentID *primitive.ObjectID, branchIndex int) *Message {
	return &Message{
		UserID:         userID,
		ConversationID: conversationID,
		ParentID:       parentID,
		Role:           role,
		Content:        content,
		BranchIndex:    branchIndex,
		IsActive:       true,
		IsEdited:       false,
		Base:           NewBase(),
	}
}

func NewFileAttachment(name, contentType string, size int64, url string, extractedText *string) FileAttachment {
	return FileAttachment{
		ID:            uuid.NewString(),
		Name:          name,
		ContentType:   contentType,
		Size:          size,
		URL:           url,
		ExtractedText: extractedText,
	}
}

// Edit replaces the content and records it as the current version. The first
// edit also snapshots the original content so it stays restorable.
func (m *Message) Edit(content string) {
	if len(m.Versions) == 0 {
		m.Versions = append(m.Versions, MessageVersion{
			ID:        uuid.NewString(),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			IsCurrent: false,
		})
	}
	for i := range m.Versions {
		m.Versions[i].IsCurrent = false
	}
	m.Versions = append(m.Versions, MessageVersion{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: time.Now(),
		IsCurrent: true,
	})
	m.Content = content
	m.IsEdited = true
	m.Touch()
}

// RestoreVersion makes the snapshot with the given id current again.
// Returns false when no such snapshot exists.
func (m *Message) RestoreVersion(versionID string) bool {
	idx := -1
	for i := range m.Versions {
		if m.Versions[i].ID == versionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	for i := range m.Versions {
		m.Versions[i].IsCurrent = i == idx
	}
	m.Content = m.Versions[idx].Content
	m.Touch()
	return true
}

// CurrentVersion returns the snapshot flagged current, or nil before any edit.
func (m *Message) CurrentVersion() *MessageVersion {
	for i := range m.Versions {
		if m.Versions[i].IsCurrent {
			return &m.Versions[i]
		}
	}
	return nil
}

// HasContent reports whether the message carries anything worth sending to
// the model: text content or an attachment with a text rendition.
func (m *Message) HasContent() bool {
	if m.Content != "" {
		return true
	}
	if m.Files == nil {
		return false
	}
	for _, f := range *m.Files {
		if f.ExtractedText != nil && *f.ExtractedText != "" {
			return true
		}
	}
	return false
}
