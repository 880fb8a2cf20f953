package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"branchtalk-ai/internal/utils"
)

type GeminiClient struct {
	client          *genai.Client
	model           string
	maxOutputTokens int
	temperature     float64
}

func NewGeminiClient(config Config) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	// Create the Gemini SDK client using the provided API key.
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %v", err)
	}

	return &GeminiClient{
		client:          client,
		model:           config.Model,
		maxOutputTokens: config.MaxCompletionTokens,
		temperature:     config.Temperature,
	}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	// Check if the context is cancelled
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	model, history, prompt := c.prepare(messages)
	session := model.StartChat()
	session.History = history

	result, err := session.SendMessage(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("gemini API error: %v", err)
	}

	response := flattenCandidates(result.Candidates)
	if response == "" {
		return "", fmt.Errorf("no response from Gemini")
	}
	return response, nil
}

func (c *GeminiClient) Stream(ctx context.Context, messages []Message, onChunk func(chunk string) error) (string, error) {
	// Check if the context is cancelled
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	model, history, prompt := c.prepare(messages)
	session := model.StartChat()
	session.History = history

	iter := session.SendMessageStream(ctx, prompt)
	var full strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream error: %v", err)
		}
		chunk := flattenCandidates(resp.Candidates)
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		if err := onChunk(chunk); err != nil {
			return "", err
		}
	}

	return full.String(), nil
}

// prepare maps the neutral transcript onto Gemini's chat shape: system
// turns become the system instruction, the trailing user turn is the sent
// message and everything before it is session history.
func (c *GeminiClient) prepare(messages []Message) (*genai.GenerativeModel, []*genai.Content, genai.Part) {
	model := c.client.GenerativeModel(c.model)
	model.MaxOutputTokens = utils.ToInt32Ptr(int32(c.maxOutputTokens))
	model.SetTemperature(float32(c.temperature))
	model.SafetySettings = []*genai.SafetySetting{
		{
			Category:  genai.HarmCategoryHarassment,
			Threshold: genai.HarmBlockNone,
		},
		{
			Category:  genai.HarmCategoryHateSpeech,
			Threshold: genai.HarmBlockNone,
		},
	}

	var systemParts []genai.Part
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if mapRole(msg.Role) == "system" {
			systemParts = append(systemParts, genai.Text(msg.Content))
			continue
		}
		role := "user"
		if mapRole(msg.Role) == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	if len(systemParts) > 0 {
		model.SystemInstruction = &genai.Content{Parts: systemParts}
	}

	// Send empty nudge when the transcript does not end on a user turn
	var prompt genai.Part = genai.Text("Please provide a response based on our conversation history.")
	if n := len(contents); n > 0 && contents[n-1].Role == "user" {
		prompt = contents[n-1].Parts[0]
		contents = contents[:n-1]
	}
	return model, contents, prompt
}

func flattenCandidates(candidates []*genai.Candidate) string {
	var sb strings.Builder
	for _, candidate := range candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return sb.String()
}

// GetModelInfo returns information about the Gemini model.
func (c *GeminiClient) GetModelInfo() ModelInfo {
	return ModelInfo{
		Name:                c.model,
		Provider:            "gemini",
		MaxCompletionTokens: c.maxOutputTokens,
	}
}
