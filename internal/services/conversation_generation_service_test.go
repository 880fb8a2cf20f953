package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"branchtalk-ai/internal/apis/dtos"
	"branchtalk-ai/internal/constants"
	"branchtalk-ai/internal/models"
)

const eventWait = 2 * time.Second

func TestSendMessageStoresTurnAndStreamsReply(t *testing.T) {
	h := newServiceHarness()
	h.client.chunks = []string{"Hello", " there"}
	conversation := h.seedConversation()

	response, status, err := h.service.SendMessage(context.Background(), h.userID.Hex(), conversation.ID.Hex(), &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "hi!",
	})
	require.NoError(t, err)
	assert.EqualValues(t, http.StatusOK, status)
	assert.Equal(t, constants.RoleUser, response.Role)
	assert.Equal(t, "hi!", response.Content)

	final, ok := h.stream.waitForEvent("ai-response", eventWait)
	require.True(t, ok, "no final response arrived")
	finalMsg, ok := final.Data.(*dtos.MessageResponse)
	require.True(t, ok)
	assert.Equal(t, "Hello there", finalMsg.Content)
	assert.Equal(t, constants.RoleAssistant, finalMsg.Role)

	chunk, ok := h.stream.waitForEvent("ai-response-chunk", eventWait)
	require.True(t, ok)
	chunkData, ok := chunk.Data.(dtos.ChunkData)
	require.True(t, ok)
	assert.Equal(t, finalMsg.ID, chunkData.MessageID)
	assert.Equal(t, "Hello", chunkData.Content)

	stored, err := h.conversations.FindByID(conversation.ID)
	require.NoError(t, err)
	require.Len(t, stored.ActivePath, 2)
	assert.Equal(t, response.ID, stored.ActivePath[0].Hex())
	assert.Equal(t, finalMsg.ID, stored.ActivePath[1].Hex())

	assistantID, err := primitive.ObjectIDFromHex(finalMsg.ID)
	require.NoError(t, err)
	assistant, err := h.messages.FindByID(assistantID)
	require.NoError(t, err)
	require.NotNil(t, assistant)
	assert.Equal(t, "Hello there", assistant.Content)
	assert.True(t, assistant.IsActive)

	prompt := h.client.lastPrompt()
	require.Len(t, prompt, 1)
	assert.Equal(t, "hi!", prompt[0].Content)
}

func TestSendMessageParentsOnActiveTail(t *testing.T) {
	h, fx := forkedConversation(t)
	h.client.chunks = []string{"next"}

	response, _, err := h.service.SendMessage(context.Background(), h.userID.Hex(), fx.conversation.ID.Hex(), &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "go on",
	})
	require.NoError(t, err)
	_, ok := h.stream.waitForEvent("ai-response", eventWait)
	require.True(t, ok)

	userID, err := primitive.ObjectIDFromHex(response.ID)
	require.NoError(t, err)
	userMsg, err := h.messages.FindByID(userID)
	require.NoError(t, err)
	require.NotNil(t, userMsg.ParentID)
	assert.Equal(t, fx.a1.ID, *userMsg.ParentID, "new turn extends the active branch tail")
	assert.Equal(t, fx.a1.BranchIndex+1, userMsg.BranchIndex)
}

func TestSendMessageCanTargetAnotherBranchFirst(t *testing.T) {
	h, fx := forkedConversation(t)
	h.client.chunks = []string{"continuing the other take"}

	listed, err := h.branchService.ListBranches(fx.conversation)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	response, _, err := h.service.SendMessage(context.Background(), h.userID.Hex(), fx.conversation.ID.Hex(), &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "tell me more",
		PathID:   &listed[1].ID,
	})
	require.NoError(t, err)
	_, ok := h.stream.waitForEvent("ai-response", eventWait)
	require.True(t, ok)

	userID, err := primitive.ObjectIDFromHex(response.ID)
	require.NoError(t, err)
	userMsg, err := h.messages.FindByID(userID)
	require.NoError(t, err)
	require.NotNil(t, userMsg.ParentID)
	assert.Equal(t, fx.a2.ID, *userMsg.ParentID)

	stored, err := h.conversations.FindByID(fx.conversation.ID)
	require.NoError(t, err)
	require.Len(t, stored.ActivePath, 4)
	assert.Equal(t, fx.u1.ID, stored.ActivePath[0])
	assert.Equal(t, fx.a2.ID, stored.ActivePath[1])
}

func TestSendMessageAdoptsABranchWhenPathIsLost(t *testing.T) {
	h := newServiceHarness()
	h.client.chunks = []string{"recovered"}
	conversation := h.seedConversation()
	u1 := h.seedMessage(conversation.ID, constants.RoleUser, "first question", nil, 0, time.Now().Add(-2*time.Minute))
	a1 := h.seedMessage(conversation.ID, constants.RoleAssistant, "first answer", &u1.ID, 1, time.Now().Add(-time.Minute))
	// ActivePath deliberately stays empty.

	response, _, err := h.service.SendMessage(context.Background(), h.userID.Hex(), conversation.ID.Hex(), &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "picking this back up",
	})
	require.NoError(t, err)

	sent, err := primitive.ObjectIDFromHex(response.ID)
	require.NoError(t, err)
	userMsg, err := h.messages.FindByID(sent)
	require.NoError(t, err)
	require.NotNil(t, userMsg.ParentID, "healed send must not start a second root")
	assert.Equal(t, a1.ID, *userMsg.ParentID)

	_, ok := h.stream.waitForEvent("ai-response", eventWait)
	require.True(t, ok)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	h := newServiceHarness()
	conversation := h.seedConversation()

	_, status, err := h.service.SendMessage(context.Background(), h.userID.Hex(), conversation.ID.Hex(), &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "   ",
	})
	require.Error(t, err)
	assert.EqualValues(t, http.StatusBadRequest, status)
}

func TestRegenerateCreatesSiblingAndKeepsOriginal(t *testing.T) {
	h := newServiceHarness()
	h.client.chunks = []string{"a burrito, roughly"}
	conversation := h.seedConversation()

	base := time.Now().Add(-time.Hour)
	u1 := h.seedMessage(conversation.ID, constants.RoleUser, "what is a monad?", nil, 0, base)
	a1 := h.seedMessage(conversation.ID, constants.RoleAssistant, "a monoid in disguise", &u1.ID, 1, base.Add(time.Minute))
	h.setPath(conversation, []primitive.ObjectID{u1.ID, a1.ID})

	response, status, err := h.service.RegenerateMessage(context.Background(), h.userID.Hex(), conversation.ID.Hex(), a1.ID.Hex(), &dtos.RegenerateMessageRequest{StreamID: "s1"})
	require.NoError(t, err)
	assert.EqualValues(t, http.StatusOK, status)
	assert.Equal(t, constants.RoleAssistant, response.Role)
	assert.NotEqual(t, a1.ID.Hex(), response.ID)
	require.NotNil(t, response.ParentID)
	assert.Equal(t, u1.ID.Hex(), *response.ParentID)
	assert.Equal(t, a1.BranchIndex, response.BranchIndex)

	_, ok := h.stream.waitForEvent("ai-response", eventWait)
	require.True(t, ok)

	// The original reply survives on its own branch.
	original, err := h.messages.FindByID(a1.ID)
	require.NoError(t, err)
	require.NotNil(t, original)
	assert.False(t, original.IsActive)

	stored, err := h.conversations.FindByID(conversation.ID)
	require.NoError(t, err)
	require.Len(t, stored.ActivePath, 2)
	assert.Equal(t, u1.ID, stored.ActivePath[0])
	assert.Equal(t, response.ID, stored.ActivePath[1].Hex())

	branches, err := h.branchService.ListBranches(stored)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, []primitive.ObjectID{u1.ID, a1.ID}, branches[0].MessageIDs)
	assert.Equal(t, response.ID, branches[1].MessageIDs[1].Hex())
	assert.False(t, branches[0].IsActive)
	assert.True(t, branches[1].IsActive)
}

func TestRegenerateRejectsUserMessages(t *testing.T) {
	h, fx := forkedConversation(t)

	_, status, err := h.service.RegenerateMessage(context.Background(), h.userID.Hex(), fx.conversation.ID.Hex(), fx.u1.ID.Hex(), &dtos.RegenerateMessageRequest{StreamID: "s1"})
	require.Error(t, err)
	assert.EqualValues(t, http.StatusBadRequest, status)
}

func TestEditForksAThirdBranch(t *testing.T) {
	h, fx := forkedConversation(t)
	h.client.chunks = []string{"a simpler answer"}

	response, status, err := h.service.EditMessage(context.Background(), h.userID.Hex(), fx.conversation.ID.Hex(), fx.u1.ID.Hex(), &dtos.EditMessageRequest{
		StreamID: "s1",
		Content:  "what is a monad, simply?",
	})
	require.NoError(t, err)
	assert.EqualValues(t, http.StatusOK, status)
	assert.Equal(t, "what is a monad, simply?", response.Content)
	assert.True(t, response.IsEdited)
	assert.Len(t, response.Versions, 2)

	_, ok := h.stream.waitForEvent("ai-response", eventWait)
	require.True(t, ok)

	stored, err := h.conversations.FindByID(fx.conversation.ID)
	require.NoError(t, err)
	require.Len(t, stored.ActivePath, 2)
	assert.Equal(t, fx.u1.ID, stored.ActivePath[0], "the edited message keeps its id")

	branches, err := h.branchService.ListBranches(stored)
	require.NoError(t, err)
	assert.Len(t, branches, 3)

	// Both earlier replies are still independently reachable.
	for _, id := range []primitive.ObjectID{fx.a1.ID, fx.a2.ID} {
		msg, err := h.messages.FindByID(id)
		require.NoError(t, err)
		require.NotNil(t, msg)
		found := false
		for _, branch := range branches {
			for _, branchMsgID := range branch.MessageIDs {
				if branchMsgID == id {
					found = true
				}
			}
		}
		assert.True(t, found, "message %s lost from the enumeration", id.Hex())
	}

	edited, err := h.messages.FindByID(fx.u1.ID)
	require.NoError(t, err)
	assert.Equal(t, "what is a monad, simply?", edited.Content)
	assert.Len(t, edited.Versions, 2)
}

func TestEditRejectsAssistantMessages(t *testing.T) {
	h, fx := forkedConversation(t)

	_, status, err := h.service.EditMessage(context.Background(), h.userID.Hex(), fx.conversation.ID.Hex(), fx.a1.ID.Hex(), &dtos.EditMessageRequest{
		StreamID: "s1",
		Content:  "rewritten",
	})
	require.Error(t, err)
	assert.EqualValues(t, http.StatusBadRequest, status)
}

func TestCancelGenerationRevertsToPreGenerationPath(t *testing.T) {
	h := newServiceHarness()
	h.client.chunks = []string{"partial ", "never delivered"}
	h.client.release = make(chan struct{})
	conversation := h.seedConversation()

	response, _, err := h.service.SendMessage(context.Background(), h.userID.Hex(), conversation.ID.Hex(), &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "hi!",
	})
	require.NoError(t, err)

	chunk, ok := h.stream.waitForEvent("ai-response-chunk", eventWait)
	require.True(t, ok, "stream never started")
	placeholderHex := chunk.Data.(dtos.ChunkData).MessageID

	h.service.CancelGeneration(h.userID.Hex(), conversation.ID.Hex(), "s1")

	_, ok = h.stream.waitForEvent("response-cancelled", eventWait)
	require.True(t, ok, "cancellation never acknowledged")

	// The revert runs on the generation goroutine after the event fires;
	// the path restore is its last write, so wait on that.
	userID, err := primitive.ObjectIDFromHex(response.ID)
	require.NoError(t, err)
	reverted := waitFor(eventWait, func() bool {
		stored, findErr := h.conversations.FindByID(conversation.ID)
		return findErr == nil && len(stored.ActivePath) == 1 && stored.ActivePath[0] == userID
	})
	require.True(t, reverted, "path reverts to the turn before generation")

	placeholderID, err := primitive.ObjectIDFromHex(placeholderHex)
	require.NoError(t, err)
	placeholder, err := h.messages.FindByID(placeholderID)
	require.NoError(t, err)
	assert.Nil(t, placeholder, "cancelled placeholder must be deleted")

	userMsg, err := h.messages.FindByID(userID)
	require.NoError(t, err)
	assert.True(t, userMsg.IsActive)

	for _, event := range h.stream.snapshot() {
		assert.NotEqual(t, "ai-response", event.Event, "a cancelled generation must not finalize")
	}
}

func TestCancelRegenerationRestoresOriginalReply(t *testing.T) {
	h, fx := forkedConversation(t)
	h.client.chunks = []string{"partial ", "never delivered"}
	h.client.release = make(chan struct{})

	_, _, err := h.service.RegenerateMessage(context.Background(), h.userID.Hex(), fx.conversation.ID.Hex(), fx.a1.ID.Hex(), &dtos.RegenerateMessageRequest{StreamID: "s1"})
	require.NoError(t, err)

	_, ok := h.stream.waitForEvent("ai-response-chunk", eventWait)
	require.True(t, ok)

	h.service.CancelGeneration(h.userID.Hex(), fx.conversation.ID.Hex(), "s1")

	_, ok = h.stream.waitForEvent("response-cancelled", eventWait)
	require.True(t, ok)

	// The active flag flips last during the revert, so wait on that.
	reverted := waitFor(eventWait, func() bool {
		a1, findErr := h.messages.FindByID(fx.a1.ID)
		return findErr == nil && a1 != nil && a1.IsActive
	})
	require.True(t, reverted, "original reply becomes active again")

	stored, err := h.conversations.FindByID(fx.conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, []primitive.ObjectID{fx.u1.ID, fx.a1.ID}, stored.ActivePath)
}

func TestGenerationFailureKeepsVisibleErrorTurn(t *testing.T) {
	h := newServiceHarness()
	h.client.err = fmt.Errorf("rate limited")
	conversation := h.seedConversation()

	response, _, err := h.service.SendMessage(context.Background(), h.userID.Hex(), conversation.ID.Hex(), &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "hi!",
	})
	require.NoError(t, err)

	failure, ok := h.stream.waitForEvent("ai-response-error", eventWait)
	require.True(t, ok)
	failedMsg, ok := failure.Data.(*dtos.MessageResponse)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(failedMsg.Content, constants.GenerationFailedNotice))
	assert.Contains(t, failedMsg.Content, "rate limited")

	// The failed turn stays on the active path instead of vanishing.
	userID, err := primitive.ObjectIDFromHex(response.ID)
	require.NoError(t, err)
	stored, err := h.conversations.FindByID(conversation.ID)
	require.NoError(t, err)
	require.Len(t, stored.ActivePath, 2)
	assert.Equal(t, userID, stored.ActivePath[0])

	assistant, err := h.messages.FindByID(stored.ActivePath[1])
	require.NoError(t, err)
	require.NotNil(t, assistant)
	assert.True(t, strings.HasPrefix(assistant.Content, constants.GenerationFailedNotice))
}

func TestFirstReplyNamesTheConversation(t *testing.T) {
	h := newServiceHarness()
	h.client.chunks = []string{"Gradient descent minimizes loss..."}
	h.client.completion = "Gradient Descent Basics"

	created, _, err := h.service.Create(h.userID.Hex(), &dtos.CreateConversationRequest{})
	require.NoError(t, err)
	require.Equal(t, constants.DefaultConversationTitle, created.Title)

	_, _, err = h.service.SendMessage(context.Background(), h.userID.Hex(), created.ID, &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "explain gradient descent",
	})
	require.NoError(t, err)

	event, ok := h.stream.waitForEvent("title-updated", eventWait)
	require.True(t, ok, "no title event arrived")
	data, ok := event.Data.(dtos.TitleUpdatedData)
	require.True(t, ok)
	assert.Equal(t, "Gradient Descent Basics", data.Title)

	conversationID, err := primitive.ObjectIDFromHex(created.ID)
	require.NoError(t, err)
	stored, err := h.conversations.FindByID(conversationID)
	require.NoError(t, err)
	assert.Equal(t, "Gradient Descent Basics", stored.Title)
}

func TestEmptyTitleSuggestionKeepsDefault(t *testing.T) {
	h := newServiceHarness()
	h.client.chunks = []string{"an answer"}
	h.client.completion = "   "

	created, _, err := h.service.Create(h.userID.Hex(), &dtos.CreateConversationRequest{})
	require.NoError(t, err)

	_, _, err = h.service.SendMessage(context.Background(), h.userID.Hex(), created.ID, &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "hello",
	})
	require.NoError(t, err)

	_, ok := h.stream.waitForEvent("ai-response", eventWait)
	require.True(t, ok)

	_, sawTitle := h.stream.waitForEvent("title-updated", 100*time.Millisecond)
	assert.False(t, sawTitle, "a blank suggestion must be discarded")

	conversationID, err := primitive.ObjectIDFromHex(created.ID)
	require.NoError(t, err)
	stored, err := h.conversations.FindByID(conversationID)
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultConversationTitle, stored.Title)
}

func TestSendMessageUsesConversationProvider(t *testing.T) {
	h := newServiceHarness()
	h.client.chunks = []string{"from the default"}

	override := &blockingClient{chunks: []string{"from the override"}, completion: "t"}
	h.manager.RegisterCustomClient(constants.Gemini, override)

	conversation := models.NewConversation(h.userID, "Routed", models.ConversationSettings{
		TokenBudget: constants.DefaultTokenBudget,
		Provider:    constants.Gemini,
	})
	require.NoError(t, h.conversations.Create(conversation))

	_, _, err := h.service.SendMessage(context.Background(), h.userID.Hex(), conversation.ID.Hex(), &dtos.SendMessageRequest{
		StreamID: "s1",
		Content:  "route me",
	})
	require.NoError(t, err)

	final, ok := h.stream.waitForEvent("ai-response", eventWait)
	require.True(t, ok)
	assert.Equal(t, "from the override", final.Data.(*dtos.MessageResponse).Content)
	assert.NotNil(t, override.lastPrompt(), "the override client never saw the prompt")
}
