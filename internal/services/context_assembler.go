package services

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"branchtalk-ai/internal/apperrors"
	"branchtalk-ai/internal/constants"
	"branchtalk-ai/internal/models"
	"branchtalk-ai/pkg/llm"
)

// ContextAssembler turns the active thread into the prompt sent to the
// completion provider, applying the conversation's token budget.
type ContextAssembler interface {
	Assemble(thread []*models.Message, budget int) ([]llm.Message, error)
}

type contextAssembler struct {
	log *zap.SugaredLogger
}

func NewContextAssembler(log *zap.SugaredLogger) ContextAssembler {
	return &contextAssembler{log: log}
}

// Assemble keeps every system message, then walks the rest newest to oldest
// admitting each message whose estimated cost fits the remaining budget. A
// message that does not fit is skipped, so a short older turn survives a
// huge newer one. The returned list is chronological: system messages first,
// then the kept history.
func (a *contextAssembler) Assemble(thread []*models.Message, budget int) ([]llm.Message, error) {
	if budget <= 0 {
		budget = constants.DefaultTokenBudget
	}

	var systemMessages []*models.Message
	var history []*models.Message
	for _, msg := range thread {
		if !msg.HasContent() {
			continue
		}
		if msg.Role == constants.RoleSystem {
			systemMessages = append(systemMessages, msg)
		} else {
			history = append(history, msg)
		}
	}

	if len(systemMessages) == 0 && len(history) == 0 {
		return nil, errors.Wrap(apperrors.ErrNoValidMessages, "every message was empty")
	}

	// System messages are unconditional but still count against the budget,
	// so the history walk only sees what is left over.
	remaining := budget
	for _, msg := range systemMessages {
		remaining -= estimateMessageTokens(msg)
	}

	keptNewestFirst := make([]*models.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimateMessageTokens(history[i])
		if cost > remaining {
			continue
		}
		remaining -= cost
		keptNewestFirst = append(keptNewestFirst, history[i])
	}

	if len(systemMessages) == 0 && len(keptNewestFirst) == 0 {
		return nil, errors.Wrap(apperrors.ErrNoValidMessages, "no message fits the token budget")
	}

	prompt := make([]llm.Message, 0, len(systemMessages)+len(keptNewestFirst))
	for _, msg := range systemMessages {
		prompt = append(prompt, llm.Message{Role: msg.Role, Content: promptContent(msg)})
	}
	for i := len(keptNewestFirst) - 1; i >= 0; i-- {
		msg := keptNewestFirst[i]
		prompt = append(prompt, llm.Message{Role: msg.Role, Content: promptContent(msg)})
	}

	a.log.Debugf("Assemble -> kept %d of %d messages, budget %d", len(prompt), len(thread), budget)
	return prompt, nil
}

// promptContent appends each attachment's extracted text to the message body
// so the model sees it as ordinary content.
func promptContent(msg *models.Message) string {
	if msg.Files == nil {
		return msg.Content
	}

	var sb strings.Builder
	sb.WriteString(msg.Content)
	for _, file := range *msg.Files {
		if file.ExtractedText == nil || *file.ExtractedText == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("[" + file.Name + "]\n")
		sb.WriteString(*file.ExtractedText)
	}
	return sb.String()
}

func estimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + constants.CharsPerToken - 1) / constants.CharsPerToken
}

// estimateMessageTokens prices a message: content at four characters per
// token, attachments at their extracted text cost or a flat estimate when no
// text rendition exists.
func estimateMessageTokens(msg *models.Message) int {
	cost := estimateTextTokens(msg.Content)
	if msg.Files == nil {
		return cost
	}
	for _, file := range *msg.Files {
		if file.ExtractedText != nil && *file.ExtractedText != "" {
			cost += estimateTextTokens(*file.ExtractedText)
		} else {
			cost += constants.AttachmentTokenCost
		}
	}
	return cost
}
