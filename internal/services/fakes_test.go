package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"branchtalk-ai/internal/apis/dtos"
	"branchtalk-ai/internal/models"
	"branchtalk-ai/internal/tree"
	"branchtalk-ai/pkg/llm"
)

// In-memory repositories backing the service tests. They clone on every
// read and write so services cannot alias stored state, matching how the
// real stores behave.

type fakeConversationRepo struct {
	mu            sync.Mutex
	conversations map[primitive.ObjectID]*models.Conversation
	updatePathErr error
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{conversations: make(map[primitive.ObjectID]*models.Conversation)}
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	clone := *c
	clone.ActivePath = append([]primitive.ObjectID(nil), c.ActivePath...)
	return &clone
}

func (r *fakeConversationRepo) Create(conversation *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conversation.ID] = cloneConversation(conversation)
	return nil
}

func (r *fakeConversationRepo) Update(id primitive.ObjectID, conversation *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[id]; !ok {
		return fmt.Errorf("conversation %s not found", id.Hex())
	}
	clone := cloneConversation(conversation)
	clone.ID = id
	r.conversations[id] = clone
	return nil
}

func (r *fakeConversationRepo) Delete(id primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conversations, id)
	return nil
}

func (r *fakeConversationRepo) FindByID(id primitive.ObjectID) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conversation, ok := r.conversations[id]
	if !ok {
		return nil, nil
	}
	return cloneConversation(conversation), nil
}

func (r *fakeConversationRepo) FindByUserID(userID primitive.ObjectID, page, pageSize int) ([]*models.Conversation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var owned []*models.Conversation
	for _, conversation := range r.conversations {
		if conversation.UserID == userID {
			owned = append(owned, cloneConversation(conversation))
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].UpdatedAt.After(owned[j].UpdatedAt)
	})

	total := int64(len(owned))
	start := (page - 1) * pageSize
	if start > len(owned) {
		start = len(owned)
	}
	end := start + pageSize
	if end > len(owned) {
		end = len(owned)
	}
	return owned[start:end], total, nil
}

func (r *fakeConversationRepo) UpdateTitle(id primitive.ObjectID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conversation, ok := r.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id.Hex())
	}
	conversation.Title = title
	conversation.UpdatedAt = time.Now()
	return nil
}

func (r *fakeConversationRepo) UpdateActivePath(id primitive.ObjectID, path []primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updatePathErr != nil {
		return r.updatePathErr
	}
	conversation, ok := r.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id.Hex())
	}
	conversation.ActivePath = append([]primitive.ObjectID(nil), path...)
	conversation.UpdatedAt = time.Now()
	return nil
}

type fakeMessageRepo struct {
	mu            sync.Mutex
	messages      map[primitive.ObjectID]*models.Message
	setActiveErrs []error // popped per SetActiveFlags call; nil entry means success
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[primitive.ObjectID]*models.Message)}
}

func cloneMessage(m *models.Message) *models.Message {
	clone := *m
	if m.ParentID != nil {
		parent := *m.ParentID
		clone.ParentID = &parent
	}
	clone.Versions = append([]models.MessageVersion(nil), m.Versions...)
	if m.Files != nil {
		files := append([]models.FileAttachment(nil), (*m.Files)...)
		clone.Files = &files
	}
	return &clone
}

func (r *fakeMessageRepo) Create(message *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[message.ID] = cloneMessage(message)
	return nil
}

func (r *fakeMessageRepo) CreateMany(messages []*models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, message := range messages {
		r.messages[message.ID] = cloneMessage(message)
	}
	return nil
}

func (r *fakeMessageRepo) Update(id primitive.ObjectID, message *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[id]; !ok {
		return fmt.Errorf("message %s not found", id.Hex())
	}
	clone := cloneMessage(message)
	clone.ID = id
	r.messages[id] = clone
	return nil
}

func (r *fakeMessageRepo) Delete(id primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
	return nil
}

func (r *fakeMessageRepo) DeleteByConversation(conversationID primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, message := range r.messages {
		if message.ConversationID == conversationID {
			delete(r.messages, id)
		}
	}
	return nil
}

func (r *fakeMessageRepo) FindByID(id primitive.ObjectID) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	message, ok := r.messages[id]
	if !ok {
		return nil, nil
	}
	return cloneMessage(message), nil
}

func (r *fakeMessageRepo) FindByConversation(conversationID primitive.ObjectID) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found []*models.Message
	for _, message := range r.messages {
		if message.ConversationID == conversationID {
			found = append(found, cloneMessage(message))
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].CreatedAt.Before(found[j].CreatedAt)
		}
		return found[i].ID.Hex() < found[j].ID.Hex()
	})
	return found, nil
}

func (r *fakeMessageRepo) CountByConversation(conversationID primitive.ObjectID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, message := range r.messages {
		if message.ConversationID == conversationID {
			count++
		}
	}
	return count, nil
}

func (r *fakeMessageRepo) SetActiveFlags(conversationID primitive.ObjectID, activeIDs []primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.setActiveErrs) > 0 {
		err := r.setActiveErrs[0]
		r.setActiveErrs = r.setActiveErrs[1:]
		if err != nil {
			return err
		}
	}

	active := make(map[primitive.ObjectID]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}
	for _, message := range r.messages {
		if message.ConversationID == conversationID {
			message.IsActive = active[message.ID]
		}
	}
	return nil
}

type fakeBranchCache struct {
	mu      sync.Mutex
	entries map[primitive.ObjectID][]tree.Branch
	hits    int
	sets    int
}

func newFakeBranchCache() *fakeBranchCache {
	return &fakeBranchCache{entries: make(map[primitive.ObjectID][]tree.Branch)}
}

func (c *fakeBranchCache) Get(ctx context.Context, conversationID primitive.ObjectID) ([]tree.Branch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	branches, ok := c.entries[conversationID]
	if ok {
		c.hits++
	}
	return branches, ok
}

func (c *fakeBranchCache) Set(ctx context.Context, conversationID primitive.ObjectID, branches []tree.Branch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[conversationID] = branches
}

func (c *fakeBranchCache) Invalidate(ctx context.Context, conversationIDs ...primitive.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range conversationIDs {
		delete(c.entries, id)
	}
}

// fakeStreamHandler records pushed events so tests can await them.
type fakeStreamHandler struct {
	mu     sync.Mutex
	events []dtos.StreamResponse
}

func (h *fakeStreamHandler) HandleStreamEvent(userID, conversationID, streamID string, response dtos.StreamResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, response)
}

func (h *fakeStreamHandler) snapshot() []dtos.StreamResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]dtos.StreamResponse(nil), h.events...)
}

// waitForEvent polls until an event with the given name arrives or the
// timeout passes; generation runs on its own goroutine.
func (h *fakeStreamHandler) waitForEvent(event string, timeout time.Duration) (dtos.StreamResponse, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, response := range h.snapshot() {
			if response.Event == event {
				return response, true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return dtos.StreamResponse{}, false
}

// waitFor polls the condition until it holds or the timeout passes.
func waitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

// blockingClient streams from a script and can hold the stream open until
// released, so tests can cancel mid-generation.
type blockingClient struct {
	mu         sync.Mutex
	chunks     []string
	completion string
	err        error
	release    chan struct{} // when set, Stream blocks after the first chunk until closed or ctx ends
	prompts    [][]llm.Message
}

func (c *blockingClient) recordPrompt(messages []llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, append([]llm.Message(nil), messages...))
}

func (c *blockingClient) lastPrompt() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return nil
	}
	return c.prompts[len(c.prompts)-1]
}

func (c *blockingClient) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	c.recordPrompt(messages)
	if c.err != nil {
		return "", c.err
	}
	return c.completion, nil
}

func (c *blockingClient) Stream(ctx context.Context, messages []llm.Message, onChunk func(string) error) (string, error) {
	c.recordPrompt(messages)
	if c.err != nil {
		return "", c.err
	}

	var assembled string
	for i, chunk := range c.chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := onChunk(chunk); err != nil {
			return "", err
		}
		assembled += chunk
		if i == 0 && c.release != nil {
			select {
			case <-c.release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return assembled, nil
}

func (c *blockingClient) GetModelInfo() llm.ModelInfo {
	return llm.ModelInfo{Name: "scripted", Provider: "test"}
}

// serviceHarness wires a conversation service over the in-memory fakes.
type serviceHarness struct {
	service       ConversationService
	branchService BranchService
	conversations *fakeConversationRepo
	messages      *fakeMessageRepo
	cache         *fakeBranchCache
	stream        *fakeStreamHandler
	client        *blockingClient
	manager       *llm.Manager
	userID        primitive.ObjectID
}

func newServiceHarness() *serviceHarness {
	log := zap.NewNop().Sugar()
	conversations := newFakeConversationRepo()
	messages := newFakeMessageRepo()
	cache := newFakeBranchCache()
	stream := &fakeStreamHandler{}
	client := &blockingClient{completion: "generated title"}

	manager := llm.NewManager(log)
	manager.RegisterCustomClient("openai", client)
	manager.SetRouting("openai", nil)

	branchSvc := NewBranchService(conversations, messages, cache, log)
	service := NewConversationService(conversations, messages, branchSvc, NewContextAssembler(log), manager, log)
	service.SetStreamHandler(stream)

	return &serviceHarness{
		service:       service,
		branchService: branchSvc,
		conversations: conversations,
		messages:      messages,
		cache:         cache,
		stream:        stream,
		client:        client,
		manager:       manager,
		userID:        primitive.NewObjectID(),
	}
}

// seedConversation stores a conversation for the harness user with no
// system prompt and an empty path.
func (h *serviceHarness) seedConversation() *models.Conversation {
	conversation := models.NewConversation(h.userID, "Seeded", models.DefaultConversationSettings())
	if err := h.conversations.Create(conversation); err != nil {
		panic(err)
	}
	return conversation
}

// seedMessage stores a message and returns it with its id populated.
func (h *serviceHarness) seedMessage(conversationID primitive.ObjectID, role, content string, parentID *primitive.ObjectID, branchIndex int, createdAt time.Time) *models.Message {
	message := models.NewMessage(h.userID, conversationID, role, content, parentID, branchIndex)
	message.CreatedAt = createdAt
	message.UpdatedAt = createdAt
	if err := h.messages.Create(message); err != nil {
		panic(err)
	}
	return message
}

// setPath persists an active path and flags directly, bypassing the
// service under test.
func (h *serviceHarness) setPath(conversation *models.Conversation, path []primitive.ObjectID) {
	if err := h.conversations.UpdateActivePath(conversation.ID, path); err != nil {
		panic(err)
	}
	if err := h.messages.SetActiveFlags(conversation.ID, path); err != nil {
		panic(err)
	}
	conversation.ActivePath = path
}
