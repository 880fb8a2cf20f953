package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"branchtalk-ai/internal/apis/dtos"
	"branchtalk-ai/internal/apperrors"
	"branchtalk-ai/internal/constants"
	"branchtalk-ai/internal/models"
	"branchtalk-ai/internal/repositories"
	"branchtalk-ai/pkg/llm"
)

// Used by Handler
type StreamHandler interface {
	HandleStreamEvent(userID, conversationID, streamID string, response dtos.StreamResponse)
}

type ConversationService interface {
	SetStreamHandler(handler StreamHandler)

	// CRUD operations
	Create(userID string, req *dtos.CreateConversationRequest) (*dtos.ConversationResponse, uint32, error)
	Update(userID, conversationID string, req *dtos.UpdateConversationRequest) (*dtos.ConversationResponse, uint32, error)
	Delete(userID, conversationID string) (uint32, error)
	GetByID(userID, conversationID string) (*dtos.ConversationResponse, uint32, error)
	List(userID string, page, pageSize int) (*dtos.ConversationListResponse, uint32, error)
	Duplicate(userID, conversationID string) (*dtos.ConversationResponse, uint32, error)
	ListMessages(userID, conversationID string, page, pageSize int) (*dtos.MessageListResponse, uint32, error)
	ListMessageVersions(userID, conversationID, messageID string) (*dtos.MessageVersionListResponse, uint32, error)
	RestoreMessageVersion(userID, conversationID, messageID, versionID string) (*dtos.MessageResponse, uint32, error)

	// Branch operations
	ListBranches(userID, conversationID string) (*dtos.BranchListResponse, uint32, error)
	SwitchBranch(userID, conversationID string, req *dtos.SwitchBranchRequest) (*dtos.BranchListResponse, uint32, error)

	// Generation operations
	SendMessage(ctx context.Context, userID, conversationID string, req *dtos.SendMessageRequest) (*dtos.MessageResponse, uint32, error)
	EditMessage(ctx context.Context, userID, conversationID, messageID string, req *dtos.EditMessageRequest) (*dtos.MessageResponse, uint32, error)
	RegenerateMessage(ctx context.Context, userID, conversationID, messageID string, req *dtos.RegenerateMessageRequest) (*dtos.MessageResponse, uint32, error)
	CancelGeneration(userID, conversationID, streamID string)
}

type conversationService struct {
	conversationRepo repositories.ConversationRepository
	messageRepo      repositories.MessageRepository
	branchService    BranchService
	assembler        ContextAssembler
	llmManager       *llm.Manager
	streamHandler    StreamHandler
	activeProcesses  map[string]context.CancelFunc // key: streamID
	processesMu      sync.RWMutex
	log              *zap.SugaredLogger
}

func NewConversationService(
	conversationRepo repositories.ConversationRepository,
	messageRepo repositories.MessageRepository,
	branchService BranchService,
	assembler ContextAssembler,
	llmManager *llm.Manager,
	log *zap.SugaredLogger,
) ConversationService {
	log.Info("🚀 Initialized Service : Conversation")
	return &conversationService{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		branchService:    branchService,
		assembler:        assembler,
		llmManager:       llmManager,
		activeProcesses:  make(map[string]context.CancelFunc),
		log:              log,
	}
}

func (s *conversationService) SetStreamHandler(handler StreamHandler) {
	s.streamHandler = handler
}

func (s *conversationService) sendStreamEvent(userID, conversationID, streamID string, response dtos.StreamResponse) {
	if s.streamHandler == nil {
		return
	}
	s.streamHandler.HandleStreamEvent(userID, conversationID, streamID, response)
}

func isValidProvider(provider string) bool {
	switch provider {
	case "", constants.OpenAI, constants.Gemini:
		return true
	}
	return false
}

func normalizePagination(page, pageSize int) (int, int) {
	if page < 1 {
		page = constants.DefaultPage
	}
	if pageSize < 1 {
		pageSize = constants.DefaultPageSize
	}
	if pageSize > constants.MaxPageSize {
		pageSize = constants.MaxPageSize
	}
	return page, pageSize
}

func truncateTitle(title string) string {
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > constants.MaxTitleLength {
		return string(runes[:constants.MaxTitleLength])
	}
	return title
}

// fetchOwnedConversation parses both ids and loads the conversation,
// rejecting requests against someone else's conversation. Every operation
// below starts here.
func (s *conversationService) fetchOwnedConversation(userID, conversationID string) (*models.Conversation, primitive.ObjectID, uint32, error) {
	userObjID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, primitive.NilObjectID, http.StatusBadRequest, fmt.Errorf("invalid user ID format")
	}

	conversationObjID, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, primitive.NilObjectID, http.StatusBadRequest, fmt.Errorf("invalid conversation ID format")
	}

	conversation, err := s.conversationRepo.FindByID(conversationObjID)
	if err != nil {
		return nil, primitive.NilObjectID, http.StatusInternalServerError, fmt.Errorf("failed to fetch conversation: %v", err)
	}
	if conversation == nil {
		return nil, primitive.NilObjectID, http.StatusNotFound, fmt.Errorf("conversation not found")
	}
	if conversation.UserID != userObjID {
		return nil, primitive.NilObjectID, http.StatusForbidden, fmt.Errorf("unauthorized access to conversation")
	}
	return conversation, userObjID, http.StatusOK, nil
}

func (s *conversationService) Create(userID string, req *dtos.CreateConversationRequest) (*dtos.ConversationResponse, uint32, error) {
	s.log.Debugf("Create -> creating conversation for user %s", userID)

	userObjID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid user ID format")
	}

	settings := models.DefaultConversationSettings()
	if req.Settings != nil {
		if req.Settings.TokenBudget != nil {
			if *req.Settings.TokenBudget <= 0 {
				return nil, http.StatusBadRequest, fmt.Errorf("token budget must be positive")
			}
			settings.TokenBudget = *req.Settings.TokenBudget
		}
		if req.Settings.Provider != nil {
			if !isValidProvider(*req.Settings.Provider) {
				return nil, http.StatusBadRequest, fmt.Errorf("unsupported LLM provider: %s", *req.Settings.Provider)
			}
			settings.Provider = *req.Settings.Provider
		}
	}

	conversation := models.NewConversation(userObjID, truncateTitle(req.Title), settings)

	// An omitted system prompt gets the app persona; an explicit empty one
	// opts out of a system root entirely.
	systemPrompt := constants.DefaultSystemPrompt
	if req.SystemPrompt != nil {
		systemPrompt = strings.TrimSpace(*req.SystemPrompt)
	}

	var systemMessage *models.Message
	if systemPrompt != "" {
		systemMessage = models.NewMessage(userObjID, conversation.ID, constants.RoleSystem, systemPrompt, nil, 0)
		conversation.ActivePath = []primitive.ObjectID{systemMessage.ID}
	}

	if err := s.conversationRepo.Create(conversation); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to create conversation: %v", err)
	}
	if systemMessage != nil {
		if err := s.messageRepo.Create(systemMessage); err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("failed to create system message: %v", err)
		}
	}

	return dtos.ToConversationDto(conversation), http.StatusCreated, nil
}

func (s *conversationService) Update(userID, conversationID string, req *dtos.UpdateConversationRequest) (*dtos.ConversationResponse, uint32, error) {
	conversation, _, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	if req.Title != nil {
		title := truncateTitle(*req.Title)
		if title == "" {
			return nil, http.StatusBadRequest, fmt.Errorf("title cannot be empty")
		}
		conversation.Title = title
	}
	if req.Settings != nil {
		if req.Settings.TokenBudget != nil {
			if *req.Settings.TokenBudget <= 0 {
				return nil, http.StatusBadRequest, fmt.Errorf("token budget must be positive")
			}
			conversation.Settings.TokenBudget = *req.Settings.TokenBudget
		}
		if req.Settings.Provider != nil {
			if !isValidProvider(*req.Settings.Provider) {
				return nil, http.StatusBadRequest, fmt.Errorf("unsupported LLM provider: %s", *req.Settings.Provider)
			}
			conversation.Settings.Provider = *req.Settings.Provider
		}
	}

	conversation.Touch()
	if err := s.conversationRepo.Update(conversation.ID, conversation); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to update conversation: %v", err)
	}

	return dtos.ToConversationDto(conversation), http.StatusOK, nil
}

func (s *conversationService) Delete(userID, conversationID string) (uint32, error) {
	conversation, _, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return status, err
	}

	if err := s.messageRepo.DeleteByConversation(conversation.ID); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to delete messages: %v", err)
	}
	if err := s.conversationRepo.Delete(conversation.ID); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to delete conversation: %v", err)
	}
	s.branchService.InvalidateCache(conversation.ID)

	s.log.Debugf("Delete -> removed conversation %s", conversationID)
	return http.StatusOK, nil
}

func (s *conversationService) GetByID(userID, conversationID string) (*dtos.ConversationResponse, uint32, error) {
	conversation, _, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}
	return dtos.ToConversationDto(conversation), http.StatusOK, nil
}

func (s *conversationService) List(userID string, page, pageSize int) (*dtos.ConversationListResponse, uint32, error) {
	userObjID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid user ID format")
	}

	page, pageSize = normalizePagination(page, pageSize)
	conversations, total, err := s.conversationRepo.FindByUserID(userObjID, page, pageSize)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch conversations: %v", err)
	}

	response := &dtos.ConversationListResponse{
		Conversations: make([]dtos.ConversationResponse, len(conversations)),
		Total:         total,
	}
	for i, conversation := range conversations {
		response.Conversations[i] = *dtos.ToConversationDto(conversation)
	}
	return response, http.StatusOK, nil
}

// Duplicate deep-copies a conversation and its whole message tree. Message
// ids are reminted and parent references remapped so the copy is fully
// detached; creation timestamps are preserved so branch enumeration orders
// the copy exactly like the original.
func (s *conversationService) Duplicate(userID, conversationID string) (*dtos.ConversationResponse, uint32, error) {
	conversation, userObjID, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	messages, err := s.messageRepo.FindByConversation(conversation.ID)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch messages: %v", err)
	}

	idMap := make(map[primitive.ObjectID]primitive.ObjectID, len(messages))
	for _, msg := range messages {
		idMap[msg.ID] = primitive.NewObjectID()
	}

	newConversation := models.NewConversation(userObjID, conversation.Title, conversation.Settings)
	newPath := make([]primitive.ObjectID, 0, len(conversation.ActivePath))
	for _, id := range conversation.ActivePath {
		if newID, ok := idMap[id]; ok {
			newPath = append(newPath, newID)
		}
	}
	newConversation.ActivePath = newPath

	copies := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		duplicate := *msg
		duplicate.ID = idMap[msg.ID]
		duplicate.ConversationID = newConversation.ID
		if msg.ParentID != nil {
			if newParent, ok := idMap[*msg.ParentID]; ok {
				duplicate.ParentID = &newParent
			} else {
				duplicate.ParentID = nil
			}
		}
		if msg.Versions != nil {
			duplicate.Versions = append([]models.MessageVersion(nil), msg.Versions...)
		}
		if msg.Files != nil {
			files := append([]models.FileAttachment(nil), (*msg.Files)...)
			duplicate.Files = &files
		}
		copies = append(copies, &duplicate)
	}

	if err := s.conversationRepo.Create(newConversation); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to create duplicate conversation: %v", err)
	}
	if len(copies) > 0 {
		if err := s.messageRepo.CreateMany(copies); err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("failed to copy messages: %v", err)
		}
	}

	s.log.Debugf("Duplicate -> copied conversation %s to %s with %d messages", conversationID, newConversation.ID.Hex(), len(copies))
	return dtos.ToConversationDto(newConversation), http.StatusOK, nil
}

// ListMessages pages over the active thread only, newest first. Inactive
// branches are reachable through the branch listing, not here.
func (s *conversationService) ListMessages(userID, conversationID string, page, pageSize int) (*dtos.MessageListResponse, uint32, error) {
	conversation, _, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	thread, err := s.activeThread(conversation, primitive.NilObjectID)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch messages: %v", err)
	}

	// Newest first for display.
	for i, j := 0, len(thread)-1; i < j; i, j = i+1, j-1 {
		thread[i], thread[j] = thread[j], thread[i]
	}

	page, pageSize = normalizePagination(page, pageSize)
	start := (page - 1) * pageSize
	if start > len(thread) {
		start = len(thread)
	}
	end := start + pageSize
	if end > len(thread) {
		end = len(thread)
	}

	response := &dtos.MessageListResponse{
		Messages: make([]dtos.MessageResponse, 0, end-start),
		Total:    int64(len(thread)),
	}
	for _, msg := range thread[start:end] {
		response.Messages = append(response.Messages, *dtos.ToMessageDto(msg))
	}
	return response, http.StatusOK, nil
}

func (s *conversationService) ListMessageVersions(userID, conversationID, messageID string) (*dtos.MessageVersionListResponse, uint32, error) {
	conversation, _, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	message, status, err := s.fetchConversationMessage(conversation, messageID)
	if err != nil {
		return nil, status, err
	}

	response := &dtos.MessageVersionListResponse{
		Versions: make([]dtos.MessageVersionResponse, len(message.Versions)),
	}
	for i, version := range message.Versions {
		response.Versions[i] = dtos.ToMessageVersionDto(version)
	}
	return response, http.StatusOK, nil
}

func (s *conversationService) RestoreMessageVersion(userID, conversationID, messageID, versionID string) (*dtos.MessageResponse, uint32, error) {
	conversation, _, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	message, status, err := s.fetchConversationMessage(conversation, messageID)
	if err != nil {
		return nil, status, err
	}

	if !message.RestoreVersion(versionID) {
		return nil, http.StatusNotFound, fmt.Errorf("version not found")
	}
	if err := s.messageRepo.Update(message.ID, message); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to update message: %v", err)
	}

	s.log.Debugf("RestoreMessageVersion -> message %s restored to version %s", messageID, versionID)
	return dtos.ToMessageDto(message), http.StatusOK, nil
}

func (s *conversationService) ListBranches(userID, conversationID string) (*dtos.BranchListResponse, uint32, error) {
	conversation, _, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	branches, err := s.branchService.ListBranches(conversation)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to list branches: %v", err)
	}
	return dtos.ToBranchListDto(branches), http.StatusOK, nil
}

// SwitchBranch moves the active path to the requested branch and returns
// the re-tagged enumeration. With a stream id attached the switch is also
// pushed to connected clients.
func (s *conversationService) SwitchBranch(userID, conversationID string, req *dtos.SwitchBranchRequest) (*dtos.BranchListResponse, uint32, error) {
	conversation, _, status, err := s.fetchOwnedConversation(userID, conversationID)
	if err != nil {
		return nil, status, err
	}

	target, err := s.branchService.ResolveSwitchTarget(conversation, req.PathID, req.MessageIDs)
	if err != nil {
		return nil, apperrors.HTTPStatus(err), err
	}
	if err := s.branchService.ApplyPath(conversation, target); err != nil {
		return nil, apperrors.HTTPStatus(err), err
	}

	branches, err := s.branchService.ListBranches(conversation)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to list branches: %v", err)
	}

	if req.StreamID != "" {
		activePath := make([]string, len(conversation.ActivePath))
		for i, id := range conversation.ActivePath {
			activePath[i] = id.Hex()
		}
		s.sendStreamEvent(userID, conversationID, req.StreamID, dtos.StreamResponse{
			Event: "branch-switched",
			Data: dtos.BranchSwitchedData{
				ConversationID: conversationID,
				ActivePath:     activePath,
			},
		})
	}

	return dtos.ToBranchListDto(branches), http.StatusOK, nil
}

// fetchConversationMessage loads a message and checks it belongs to the
// given conversation.
func (s *conversationService) fetchConversationMessage(conversation *models.Conversation, messageID string) (*models.Message, uint32, error) {
	messageObjID, err := primitive.ObjectIDFromHex(messageID)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid message ID format")
	}

	message, err := s.messageRepo.FindByID(messageObjID)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch message: %v", err)
	}
	if message == nil {
		return nil, http.StatusNotFound, fmt.Errorf("message not found")
	}
	if message.ConversationID != conversation.ID {
		return nil, http.StatusBadRequest, fmt.Errorf("message does not belong to conversation")
	}
	return message, http.StatusOK, nil
}

// activeThread resolves the conversation's active path to messages in
// chronological order, skipping skipID when set. Path entries pointing at
// deleted messages are dropped rather than failing the whole read.
func (s *conversationService) activeThread(conversation *models.Conversation, skipID primitive.ObjectID) ([]*models.Message, error) {
	messages, err := s.messageRepo.FindByConversation(conversation.ID)
	if err != nil {
		return nil, err
	}

	byID := make(map[primitive.ObjectID]*models.Message, len(messages))
	for _, msg := range messages {
		byID[msg.ID] = msg
	}

	thread := make([]*models.Message, 0, len(conversation.ActivePath))
	for _, id := range conversation.ActivePath {
		if id == skipID {
			continue
		}
		if msg, ok := byID[id]; ok {
			thread = append(thread, msg)
		}
	}
	return thread, nil
}
