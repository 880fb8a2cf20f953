package handlers

import (
	"branchtalk-ai/internal/apis/dtos"
	"branchtalk-ai/internal/services"
	"branchtalk-ai/internal/utils"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type ConversationHandler struct {
	conversationService services.ConversationService
	streamMutex         sync.RWMutex
	streams             map[string]chan dtos.StreamResponse // key: userID:conversationID:streamID
}

func NewConversationHandler(conversationService services.ConversationService) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		streamMutex:         sync.RWMutex{},
		streams:             make(map[string]chan dtos.StreamResponse),
	}
}

// @Summary Create a new conversation
// @Description Create a new conversation
// @Accept json
// @Produce json
// @Param createConversationRequest body dtos.CreateConversationRequest true "Create conversation request"
// @Success 200 {object} dtos.Response

func (h *ConversationHandler) Create(c *gin.Context) {
	var req dtos.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	response, statusCode, err := h.conversationService.Create(userID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary List conversations
// @Description List all conversations
// @Accept json
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Page size" default(10)

func (h *ConversationHandler) List(c *gin.Context) {
	userID := c.GetString("userID")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	response, statusCode, err := h.conversationService.List(userID, page, pageSize)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Get conversation by ID
// @Description Get a conversation by its ID
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

func (h *ConversationHandler) GetByID(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")

	response, statusCode, err := h.conversationService.GetByID(userID, conversationID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Update a conversation
// @Description Update a conversation's title or settings
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

func (h *ConversationHandler) Update(c *gin.Context) {
	var req dtos.UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	conversationID := c.Param("id")

	response, statusCode, err := h.conversationService.Update(userID, conversationID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Delete a conversation
// @Description Delete a conversation and all of its messages
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

func (h *ConversationHandler) Delete(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")

	statusCode, err := h.conversationService.Delete(userID, conversationID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    "Conversation deleted successfully",
	})
}

// @Summary Duplicate a conversation
// @Description Duplicate a conversation with its full message tree
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

func (h *ConversationHandler) Duplicate(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")

	response, statusCode, err := h.conversationService.Duplicate(userID, conversationID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary List messages
// @Description List the messages on the active path of a conversation
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

func (h *ConversationHandler) ListMessages(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	response, statusCode, err := h.conversationService.ListMessages(userID, conversationID, page, pageSize)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Send a message
// @Description Append a user message to the active path and stream the assistant reply
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req dtos.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	conversationID := c.Param("id")

	response, statusCode, err := h.conversationService.SendMessage(c.Request.Context(), userID, conversationID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Edit a message
// @Description Edit a user message, forking a new branch at that point
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param messageId path string true "Message ID"

func (h *ConversationHandler) EditMessage(c *gin.Context) {
	var req dtos.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	conversationID := c.Param("id")
	messageID := c.Param("messageId")

	response, statusCode, err := h.conversationService.EditMessage(c.Request.Context(), userID, conversationID, messageID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Regenerate a message
// @Description Regenerate an assistant message as a sibling branch
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param messageId path string true "Message ID"

func (h *ConversationHandler) RegenerateMessage(c *gin.Context) {
	var req dtos.RegenerateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	conversationID := c.Param("id")
	messageID := c.Param("messageId")

	response, statusCode, err := h.conversationService.RegenerateMessage(c.Request.Context(), userID, conversationID, messageID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary List message versions
// @Description List the edit history of a message
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param messageId path string true "Message ID"

func (h *ConversationHandler) ListMessageVersions(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")
	messageID := c.Param("messageId")

	response, statusCode, err := h.conversationService.ListMessageVersions(userID, conversationID, messageID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Restore a message version
// @Description Restore an earlier version of an edited message
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param messageId path string true "Message ID"
// @Param versionId path string true "Version ID"

func (h *ConversationHandler) RestoreMessageVersion(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")
	messageID := c.Param("messageId")
	versionID := c.Param("versionId")

	response, statusCode, err := h.conversationService.RestoreMessageVersion(userID, conversationID, messageID, versionID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary List branches
// @Description List the branch alternatives of a conversation
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

func (h *ConversationHandler) ListBranches(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")

	response, statusCode, err := h.conversationService.ListBranches(userID, conversationID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Switch branch
// @Description Switch the active path of a conversation to another branch
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param switchBranchRequest body dtos.SwitchBranchRequest true "Switch branch request"

func (h *ConversationHandler) SwitchBranch(c *gin.Context) {
	var req dtos.SwitchBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	conversationID := c.Param("id")

	response, statusCode, err := h.conversationService.SwitchBranch(userID, conversationID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// HandleStreamEvent implements the StreamHandler interface
func (h *ConversationHandler) HandleStreamEvent(userID, conversationID, streamID string, response dtos.StreamResponse) {
	streamKey := fmt.Sprintf("%s:%s:%s", userID, conversationID, streamID)

	h.streamMutex.RLock()
	streamChan, exists := h.streams[streamKey]
	h.streamMutex.RUnlock()

	if !exists {
		log.Printf("No stream found for key: %s", streamKey)
		return
	}

	// Try to send with timeout
	select {
	case streamChan <- response:
		log.Printf("Successfully sent event to stream: %s, event: %s", streamKey, response.Event)
	case <-time.After(100 * time.Millisecond):
		log.Printf("Timeout sending event to stream: %s", streamKey)
	}
}

// @Summary Stream conversation
// @Description Stream conversation events over SSE
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

// StreamConversation handles SSE endpoint
func (h *ConversationHandler) StreamConversation(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")
	streamID := c.Query("stream_id")

	if streamID == "" {
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   utils.ToStringPtr("stream_id is required"),
		})
		return
	}

	streamKey := fmt.Sprintf("%s:%s:%s", userID, conversationID, streamID)
	log.Printf("Starting stream for key: %s", streamKey)

	// Create buffered channel
	h.streamMutex.Lock()
	streamChan := make(chan dtos.StreamResponse, 100)
	h.streams[streamKey] = streamChan
	h.streamMutex.Unlock()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Transfer-Encoding", "chunked")

	// Send connection event
	ctx := c.Request.Context()
	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()

	// Cleanup on exit
	defer func() {
		h.streamMutex.Lock()
		if ch, exists := h.streams[streamKey]; exists {
			close(ch)
			delete(h.streams, streamKey)
			log.Printf("Cleaned up stream for key: %s", streamKey)
		}
		h.streamMutex.Unlock()
	}()

	log.Printf("Sending initial connection event for stream key: %s", streamKey)
	// Send initial connection event
	data, _ := json.Marshal(dtos.StreamResponse{
		Event: "connected",
		Data:  "Stream established",
	})
	c.Writer.Write([]byte(fmt.Sprintf("data: %s\n\n", data)))
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Client disconnected for stream key: %s", streamKey)
			return

		case <-heartbeatTicker.C:
			data, _ := json.Marshal(dtos.StreamResponse{
				Event: "heartbeat",
				Data:  "ping",
			})
			c.Writer.Write([]byte(fmt.Sprintf("data: %s\n\n", data)))
			c.Writer.Flush()

		case msg, ok := <-streamChan:
			if !ok {
				log.Printf("Stream channel closed for key: %s", streamKey)
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Error marshaling message: %v", err)
				continue
			}
			log.Printf("Sending stream event -> key: %s, event: %s", streamKey, msg.Event)
			c.Writer.Write([]byte(fmt.Sprintf("data: %s\n\n", data)))
			c.Writer.Flush()
		}
	}
}

// @Summary Cancel stream
// @Description Cancel currently streaming response
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"

// CancelStream cancels currently streaming response
func (h *ConversationHandler) CancelStream(c *gin.Context) {
	userID := c.GetString("userID")
	conversationID := c.Param("id")
	streamID := c.Query("stream_id")

	if streamID == "" {
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   utils.ToStringPtr("stream_id is required"),
		})
		return
	}

	// Create stream key
	streamKey := fmt.Sprintf("%s:%s:%s", userID, conversationID, streamID)

	// First cancel the generation
	h.conversationService.CancelGeneration(userID, conversationID, streamID)

	// Then cleanup the stream
	h.streamMutex.Lock()
	if streamChan, ok := h.streams[streamKey]; ok {
		close(streamChan)
		delete(h.streams, streamKey)
	}
	h.streamMutex.Unlock()

	c.JSON(http.StatusOK, dtos.Response{
		Success: true,
		Data:    "Operation cancelled successfully",
	})
}
