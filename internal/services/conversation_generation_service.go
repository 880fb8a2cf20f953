package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"branchtalk-ai/internal/apis/dtos"
	"branchtalk-ai/internal/apperrors"
	"branchtalk-ai/internal/constants"
	"branchtalk-ai/internal/models"
	"branchtalk-ai/internal/tree"
	"branchtalk-ai/pkg/llm"
)

// NOTE: Service type, signatures are defined in services/conversation_crud_service.go

// SendMessage appends a user turn to the active path, creates an empty
// assistant placeholder under it and starts streaming the completion into
// the placeholder. The returned message is the stored user turn; the
// assistant side arrives over the stream identified by req.StreamID.
func (s *conversationService) SendMessage(ctx context.Context, userID, conversationID string, req *dtos.SendMessageRequest) (*dtos.MessageResponse, uint32, error) {
	conversation, userObjID, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("message content cannot be empty")
	}

	// An explicit branch target moves the conversation there first; the new
	// turn then extends that branch instead of the previously active one.
	if req.PathID != nil && *req.PathID != "" {
		target, err := s.branchService.ResolveSwitchTarget(conversation, req.PathID, nil)
		if err != nil {
			return nil, apperrors.HTTPStatus(err), err
		}
		if err := s.branchService.ApplyPath(conversation, target); err != nil {
			return nil, apperrors.HTTPStatus(err), err
		}
	}

	// A lost path self-heals: adopt the first enumerated branch so the new
	// turn extends the tree instead of starting a second root.
	if len(conversation.ActivePath) == 0 {
		branches, err := s.branchService.ListBranches(conversation)
		if err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch branches: %v", err)
		}
		if len(branches) > 0 {
			if err := s.branchService.ApplyPath(conversation, branches[0].MessageIDs); err != nil {
				return nil, apperrors.HTTPStatus(err), err
			}
		}
	}

	parentID := conversation.PathTail()
	branchIndex := 0
	if parentID != nil {
		tail, err := s.messageRepo.FindByID(*parentID)
		if err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch message: %v", err)
		}
		if tail == nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("active path references a missing message")
		}
		branchIndex = tail.BranchIndex + 1
	}

	userMessage := models.NewMessage(userObjID, conversation.ID, constants.RoleUser, req.Content, parentID, branchIndex)
	userMessage.Files = dtos.ToFileAttachmentModels(req.Files)
	if err := s.messageRepo.Create(userMessage); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to create message: %v", err)
	}

	placeholder := models.NewMessage(userObjID, conversation.ID, constants.RoleAssistant, "", &userMessage.ID, userMessage.BranchIndex+1)
	if err := s.messageRepo.Create(placeholder); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to create message: %v", err)
	}

	// prevPath keeps the user turn; a cancelled generation only removes the
	// placeholder.
	prevPath := append(append([]primitive.ObjectID{}, conversation.ActivePath...), userMessage.ID)
	newPath := append(append([]primitive.ObjectID{}, prevPath...), placeholder.ID)
	if err := s.branchService.ApplyPath(conversation, newPath); err != nil {
		return nil, apperrors.HTTPStatus(err), err
	}
	s.branchService.InvalidateCache(conversation.ID)

	go s.processGeneration(userID, conversationID, placeholder.ID, prevPath, req.StreamID)

	return dtos.ToMessageDto(userMessage), http.StatusOK, nil
}

// EditMessage rewrites a user turn in place, keeping the previous content
// as a version, and regenerates everything downstream as a fresh branch.
// The replies that followed the old content stay reachable under their own
// branch.
func (s *conversationService) EditMessage(ctx context.Context, userID, conversationID, messageID string, req *dtos.EditMessageRequest) (*dtos.MessageResponse, uint32, error) {
	conversation, userObjID, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	message, status, err := s.fetchConversationMessage(conversation, messageID)
	if err != nil {
		return nil, status, err
	}
	if message.Role != constants.RoleUser {
		return nil, http.StatusBadRequest, fmt.Errorf("only user messages can be edited")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("message content cannot be empty")
	}

	message.Edit(req.Content)
	if err := s.messageRepo.Update(message.ID, message); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to update message: %v", err)
	}

	messages, err := s.messageRepo.FindByConversation(conversation.ID)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch messages: %v", err)
	}
	basePath := tree.Build(messages).CommonHistory(message.ID)
	if len(basePath) == 0 {
		return nil, http.StatusInternalServerError, fmt.Errorf("message is not reachable from a root")
	}

	placeholder := models.NewMessage(userObjID, conversation.ID, constants.RoleAssistant, "", &message.ID, message.BranchIndex+1)
	if err := s.messageRepo.Create(placeholder); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to create message: %v", err)
	}

	newPath := append(append([]primitive.ObjectID{}, basePath...), placeholder.ID)
	if err := s.branchService.ApplyPath(conversation, newPath); err != nil {
		return nil, apperrors.HTTPStatus(err), err
	}
	s.branchService.InvalidateCache(conversation.ID)

	go s.processGeneration(userID, conversationID, placeholder.ID, basePath, req.StreamID)

	return dtos.ToMessageDto(message), http.StatusOK, nil
}

// RegenerateMessage produces an alternative assistant reply as a sibling of
// the given one. The original reply and anything built on it keep their
// branch; the active path moves to the new sibling.
func (s *conversationService) RegenerateMessage(ctx context.Context, userID, conversationID, messageID string, req *dtos.RegenerateMessageRequest) (*dtos.MessageResponse, uint32, error) {
	conversation, userObjID, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	message, status, err := s.fetchConversationMessage(conversation, messageID)
	if err != nil {
		return nil, status, err
	}
	if message.Role != constants.RoleAssistant {
		return nil, http.StatusBadRequest, fmt.Errorf("only assistant messages can be regenerated")
	}

	basePath := []primitive.ObjectID{}
	if message.ParentID != nil {
		messages, err := s.messageRepo.FindByConversation(conversation.ID)
		if err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch messages: %v", err)
		}
		basePath = tree.Build(messages).CommonHistory(*message.ParentID)
		if len(basePath) == 0 {
			return nil, http.StatusInternalServerError, fmt.Errorf("message is not reachable from a root")
		}
	}

	// A cancelled regeneration restores the path through the original reply.
	prevPath := append([]primitive.ObjectID{}, conversation.ActivePath...)

	placeholder := models.NewMessage(userObjID, conversation.ID, constants.RoleAssistant, "", message.ParentID, message.BranchIndex)
	if err := s.messageRepo.Create(placeholder); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to create message: %v", err)
	}

	newPath := append(append([]primitive.ObjectID{}, basePath...), placeholder.ID)
	if err := s.branchService.ApplyPath(conversation, newPath); err != nil {
		return nil, apperrors.HTTPStatus(err), err
	}
	s.branchService.InvalidateCache(conversation.ID)

	go s.processGeneration(userID, conversationID, placeholder.ID, prevPath, req.StreamID)

	return dtos.ToMessageDto(placeholder), http.StatusOK, nil
}

func (s *conversationService) CancelGeneration(userID, conversationID, streamID string) {
	s.processesMu.Lock()
	defer s.processesMu.Unlock()

	if cancel, exists := s.activeProcesses[streamID]; exists {
		s.log.Debugf("CancelGeneration -> cancelling stream %s for conversation %s", streamID, conversationID)
		cancel()
		delete(s.activeProcesses, streamID)

		// Send cancelled event using stream before the caller tears it down
		s.sendStreamEvent(userID, conversationID, streamID, dtos.StreamResponse{
			Event: "response-cancelled",
			Data:  "Operation cancelled by user",
		})
	} else {
		s.log.Debugf("CancelGeneration -> no active generation for stream %s", streamID)
	}
}

// processGeneration runs the completion for one placeholder. It owns the
// stream's cancel function for its whole lifetime; on cancellation the
// placeholder is deleted and the conversation reverts to prevPath, on
// provider failure the placeholder is finalized with a visible error turn.
func (s *conversationService) processGeneration(userID, conversationID string, placeholderID primitive.ObjectID, prevPath []primitive.ObjectID, streamID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.processesMu.Lock()
	s.activeProcesses[streamID] = cancel
	s.processesMu.Unlock()

	defer func() {
		s.processesMu.Lock()
		delete(s.activeProcesses, streamID)
		s.processesMu.Unlock()
	}()

	conversationObjID, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		s.log.Errorf("processGeneration -> invalid conversation id %s: %v", conversationID, err)
		return
	}
	conversation, err := s.conversationRepo.FindByID(conversationObjID)
	if err != nil || conversation == nil {
		s.log.Errorf("processGeneration -> conversation %s unavailable: %v", conversationID, err)
		return
	}
	placeholder, err := s.messageRepo.FindByID(placeholderID)
	if err != nil || placeholder == nil {
		s.log.Errorf("processGeneration -> placeholder %s unavailable: %v", placeholderID.Hex(), err)
		return
	}

	cancelled := func() bool {
		select {
		case <-ctx.Done():
			s.revertCancelledGeneration(userID, conversationID, streamID, conversation, placeholder, prevPath)
			return true
		default:
			return false
		}
	}
	if cancelled() {
		return
	}

	thread, err := s.activeThread(conversation, placeholder.ID)
	if err != nil {
		s.finalizeFailedGeneration(userID, conversationID, streamID, placeholder, err)
		return
	}
	prompt, err := s.assembler.Assemble(thread, conversation.Settings.TokenBudget)
	if err != nil {
		s.finalizeFailedGeneration(userID, conversationID, streamID, placeholder, err)
		return
	}

	response, err := s.llmManager.Stream(ctx, conversation.Settings.Provider, prompt, func(chunk string) error {
		s.sendStreamEvent(userID, conversationID, streamID, dtos.StreamResponse{
			Event: "ai-response-chunk",
			Data:  dtos.ChunkData{MessageID: placeholder.ID.Hex(), Content: chunk},
		})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			s.revertCancelledGeneration(userID, conversationID, streamID, conversation, placeholder, prevPath)
			return
		}
		s.finalizeFailedGeneration(userID, conversationID, streamID, placeholder, err)
		return
	}
	if cancelled() {
		return
	}

	placeholder.Content = response
	placeholder.Touch()
	if err := s.messageRepo.Update(placeholder.ID, placeholder); err != nil {
		s.log.Errorf("processGeneration -> failed to finalize message %s: %v", placeholder.ID.Hex(), err)
		s.sendStreamEvent(userID, conversationID, streamID, dtos.StreamResponse{
			Event: "ai-response-error",
			Data:  "failed to save the response",
		})
		return
	}

	s.sendStreamEvent(userID, conversationID, streamID, dtos.StreamResponse{
		Event: "ai-response",
		Data:  dtos.ToMessageDto(placeholder),
	})

	s.maybeGenerateTitle(ctx, userID, conversationID, streamID, conversation)
}

// revertCancelledGeneration removes the placeholder and restores the path
// the conversation showed before generation started.
func (s *conversationService) revertCancelledGeneration(userID, conversationID, streamID string, conversation *models.Conversation, placeholder *models.Message, prevPath []primitive.ObjectID) {
	s.log.Debugf("revertCancelledGeneration -> stream %s cancelled, reverting conversation %s", streamID, conversationID)

	if err := s.messageRepo.Delete(placeholder.ID); err != nil {
		s.log.Errorf("revertCancelledGeneration -> failed to delete placeholder %s: %v", placeholder.ID.Hex(), err)
	}
	s.branchService.InvalidateCache(conversation.ID)

	if err := s.branchService.ApplyPath(conversation, prevPath); err != nil {
		s.log.Errorf("revertCancelledGeneration -> failed to restore path for %s: %v", conversationID, err)
	}

	s.sendStreamEvent(userID, conversationID, streamID, dtos.StreamResponse{
		Event: "response-cancelled",
		Data:  "Operation cancelled by user",
	})
}

// finalizeFailedGeneration keeps the turn visible: the placeholder becomes
// an assistant message carrying the failure notice instead of vanishing.
func (s *conversationService) finalizeFailedGeneration(userID, conversationID, streamID string, placeholder *models.Message, genErr error) {
	s.log.Errorf("finalizeFailedGeneration -> generation failed for message %s: %v", placeholder.ID.Hex(), genErr)

	placeholder.Content = constants.GenerationFailedNotice + genErr.Error()
	placeholder.Touch()
	if err := s.messageRepo.Update(placeholder.ID, placeholder); err != nil {
		s.log.Errorf("finalizeFailedGeneration -> failed to persist error content for %s: %v", placeholder.ID.Hex(), err)
	}

	s.sendStreamEvent(userID, conversationID, streamID, dtos.StreamResponse{
		Event: "ai-response-error",
		Data:  dtos.ToMessageDto(placeholder),
	})
}

// maybeGenerateTitle names the conversation after its first exchange. Runs
// only while the title still carries the default; failures are logged and
// the default title stays.
func (s *conversationService) maybeGenerateTitle(ctx context.Context, userID, conversationID, streamID string, conversation *models.Conversation) {
	if conversation.Title != constants.DefaultConversationTitle {
		return
	}

	thread, err := s.activeThread(conversation, primitive.NilObjectID)
	if err != nil {
		s.log.Warnf("maybeGenerateTitle -> failed to load thread for %s: %v", conversationID, err)
		return
	}
	var firstUser *models.Message
	for _, msg := range thread {
		if msg.Role == constants.RoleUser && msg.HasContent() {
			firstUser = msg
			break
		}
	}
	if firstUser == nil {
		return
	}

	title, err := s.llmManager.Complete(ctx, conversation.Settings.Provider, []llm.Message{
		{Role: constants.RoleUser, Content: constants.TitlePrompt + firstUser.Content},
	})
	if err != nil {
		s.log.Warnf("maybeGenerateTitle -> title generation failed for %s: %v", conversationID, err)
		return
	}

	title = strings.TrimSpace(title)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = truncateTitle(strings.Trim(title, `"'`))
	if title == "" {
		return
	}

	if err := s.conversationRepo.UpdateTitle(conversation.ID, title); err != nil {
		s.log.Warnf("maybeGenerateTitle -> failed to store title for %s: %v", conversationID, err)
		return
	}
	conversation.Title = title

	s.sendStreamEvent(userID, conversationID, streamID, dtos.StreamResponse{
		Event: "title-updated",
		Data:  dtos.TitleUpdatedData{ConversationID: conversationID, Title: title},
	})
}
