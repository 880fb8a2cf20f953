package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"branchtalk-ai/internal/apperrors"
	"branchtalk-ai/internal/constants"
	"branchtalk-ai/internal/models"
)

func testAssembler() ContextAssembler {
	return NewContextAssembler(zap.NewNop().Sugar())
}

func threadMessage(role, content string) *models.Message {
	return models.NewMessage(primitive.NewObjectID(), primitive.NewObjectID(), role, content, nil, 0)
}

func TestAssembleKeepsChronologicalOrder(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleUser, "first question"),
		threadMessage(constants.RoleAssistant, "first answer"),
		threadMessage(constants.RoleUser, "second question"),
	}

	prompt, err := testAssembler().Assemble(thread, 0)
	require.NoError(t, err)

	require.Len(t, prompt, 3)
	assert.Equal(t, "first question", prompt[0].Content)
	assert.Equal(t, "first answer", prompt[1].Content)
	assert.Equal(t, "second question", prompt[2].Content)
}

func TestAssembleSystemMessagesComeFirstAndAlwaysSurvive(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleUser, "hello there"),
		threadMessage(constants.RoleSystem, strings.Repeat("p", 400)), // 100 tokens, over budget on its own
		threadMessage(constants.RoleAssistant, "hi"),
	}

	prompt, err := testAssembler().Assemble(thread, 40)
	require.NoError(t, err)

	require.NotEmpty(t, prompt)
	assert.Equal(t, constants.RoleSystem, prompt[0].Role)
	for _, msg := range prompt[1:] {
		assert.NotEqual(t, constants.RoleSystem, msg.Role)
	}
}

func TestAssembleDropsOversizedNewestButKeepsOlderFit(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleUser, "short"),
		threadMessage(constants.RoleUser, "a"+strings.Repeat("x", 300)),
	}

	prompt, err := testAssembler().Assemble(thread, 40)
	require.NoError(t, err)

	require.Len(t, prompt, 1)
	assert.Equal(t, "short", prompt[0].Content)
}

func TestAssemblePrefersNewestWhenBudgetIsTight(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleUser, strings.Repeat("a", 80)),      // 20 tokens
		threadMessage(constants.RoleAssistant, strings.Repeat("b", 80)), // 20 tokens
		threadMessage(constants.RoleUser, strings.Repeat("c", 80)),      // 20 tokens
	}

	prompt, err := testAssembler().Assemble(thread, 45)
	require.NoError(t, err)

	// Two newest fit; the oldest would overflow and is dropped.
	require.Len(t, prompt, 2)
	assert.Equal(t, strings.Repeat("b", 80), prompt[0].Content)
	assert.Equal(t, strings.Repeat("c", 80), prompt[1].Content)
}

func TestAssembleNeverExceedsBudget(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleSystem, strings.Repeat("s", 40)),
		threadMessage(constants.RoleUser, strings.Repeat("u", 100)),
		threadMessage(constants.RoleAssistant, strings.Repeat("a", 60)),
		threadMessage(constants.RoleUser, strings.Repeat("v", 100)),
	}
	budget := 60

	prompt, err := testAssembler().Assemble(thread, budget)
	require.NoError(t, err)

	total := 0
	for _, msg := range prompt {
		total += (len(msg.Content) + constants.CharsPerToken - 1) / constants.CharsPerToken
	}
	assert.LessOrEqual(t, total, budget)
}

func TestAssembleFiltersEmptyMessages(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleUser, "question"),
		threadMessage(constants.RoleAssistant, ""), // placeholder still streaming elsewhere
		threadMessage(constants.RoleUser, "followup"),
	}

	prompt, err := testAssembler().Assemble(thread, 0)
	require.NoError(t, err)

	require.Len(t, prompt, 2)
	assert.Equal(t, "question", prompt[0].Content)
	assert.Equal(t, "followup", prompt[1].Content)
}

func TestAssembleAllEmptyIsNoValidMessages(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleUser, ""),
		threadMessage(constants.RoleAssistant, ""),
	}

	_, err := testAssembler().Assemble(thread, 0)
	assert.ErrorIs(t, err, apperrors.ErrNoValidMessages)
}

func TestAssembleNothingFitsIsNoValidMessages(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleUser, strings.Repeat("x", 400)),
	}

	_, err := testAssembler().Assemble(thread, 10)
	assert.ErrorIs(t, err, apperrors.ErrNoValidMessages)
}

func TestAssembleDefaultsBudgetWhenUnset(t *testing.T) {
	thread := []*models.Message{
		threadMessage(constants.RoleUser, strings.Repeat("x", 1000)), // 250 tokens, needs the default budget
	}

	prompt, err := testAssembler().Assemble(thread, -1)
	require.NoError(t, err)
	assert.Len(t, prompt, 1)
}

func TestAssembleAppendsExtractedAttachmentText(t *testing.T) {
	extracted := "quarterly revenue grew 12%"
	msg := threadMessage(constants.RoleUser, "summarize the report")
	files := []models.FileAttachment{
		models.NewFileAttachment("report.pdf", "application/pdf", 2048, "https://files.local/report.pdf", &extracted),
	}
	msg.Files = &files

	prompt, err := testAssembler().Assemble([]*models.Message{msg}, 0)
	require.NoError(t, err)

	require.Len(t, prompt, 1)
	assert.Contains(t, prompt[0].Content, "summarize the report")
	assert.Contains(t, prompt[0].Content, "[report.pdf]")
	assert.Contains(t, prompt[0].Content, extracted)
}

func TestAssembleChargesFlatCostForOpaqueAttachments(t *testing.T) {
	msg := threadMessage(constants.RoleUser, "what is in this image?") // 6 tokens
	files := []models.FileAttachment{
		models.NewFileAttachment("photo.png", "image/png", 4096, "https://files.local/photo.png", nil),
	}
	msg.Files = &files

	// Content alone fits, content plus the flat attachment estimate does not.
	_, err := testAssembler().Assemble([]*models.Message{msg}, constants.AttachmentTokenCost)
	assert.ErrorIs(t, err, apperrors.ErrNoValidMessages)

	prompt, err := testAssembler().Assemble([]*models.Message{msg}, constants.AttachmentTokenCost+10)
	require.NoError(t, err)
	assert.Len(t, prompt, 1)
}

func TestAssembleAttachmentOnlyMessageCounts(t *testing.T) {
	extracted := "the attached notes"
	msg := threadMessage(constants.RoleUser, "")
	files := []models.FileAttachment{
		models.NewFileAttachment("notes.txt", "text/plain", 64, "https://files.local/notes.txt", &extracted),
	}
	msg.Files = &files

	prompt, err := testAssembler().Assemble([]*models.Message{msg}, 0)
	require.NoError(t, err)

	require.Len(t, prompt, 1)
	assert.Contains(t, prompt[0].Content, extracted)
}
