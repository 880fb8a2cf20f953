package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"branchtalk-ai/internal/apperrors"
)

// Manager routes chat requests to named provider clients. When a client
// fails it walks the configured fallback order until one answers.
type Manager struct {
	clients       map[string]Client
	defaultClient string
	fallbacks     []string
	mu            sync.RWMutex
	log           *zap.SugaredLogger
}

func NewManager(log *zap.SugaredLogger) *Manager {
	return &Manager{
		clients: make(map[string]Client),
		log:     log,
	}
}

func (m *Manager) RegisterClient(name string, config Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var client Client
	var err error

	switch config.Provider {
	case "openai":
		client, err = NewOpenAIClient(config)
	case "gemini":
		client, err = NewGeminiClient(config)
	default:
		return fmt.Errorf("unsupported LLM provider: %s", config.Provider)
	}

	if err != nil {
		return fmt.Errorf("failed to create LLM client: %v", err)
	}

	m.clients[name] = client
	m.log.Infof("RegisterClient -> registered %s (%s)", name, config.Provider)
	return nil
}

// RegisterCustomClient registers a caller-built Client under the given
// name, for providers outside the built-in set.
func (m *Manager) RegisterCustomClient(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
}

// SetRouting fixes the default client and the fallback order used when a
// request names no provider or the named one keeps failing.
func (m *Manager) SetRouting(defaultClient string, fallbacks []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultClient = defaultClient
	m.fallbacks = append([]string(nil), fallbacks...)
}

func (m *Manager) GetClient(name string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[name]
	if !exists {
		return nil, fmt.Errorf("LLM client not found: %s", name)
	}

	return client, nil
}

func (m *Manager) RemoveClient(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, name)
}

// Complete asks the preferred client first and then each fallback in order.
// The last failure is wrapped as an upstream error once every candidate is
// exhausted. Context cancellation stops the walk immediately.
func (m *Manager) Complete(ctx context.Context, preferred string, messages []Message) (string, error) {
	var lastErr error
	for _, name := range m.candidates(preferred) {
		client, err := m.GetClient(name)
		if err != nil {
			continue
		}
		response, err := client.Complete(ctx, messages)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.log.Warnf("Complete -> client %s failed: %v", name, err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no LLM client available for provider %q", preferred)
	}
	return "", apperrors.Upstream(lastErr)
}

// Stream behaves like Complete but delivers chunks through onChunk. Once a
// client has emitted output the caller has already seen text, so a later
// failure is surfaced instead of retried against the next candidate.
func (m *Manager) Stream(ctx context.Context, preferred string, messages []Message, onChunk func(chunk string) error) (string, error) {
	var lastErr error
	for _, name := range m.candidates(preferred) {
		client, err := m.GetClient(name)
		if err != nil {
			continue
		}
		emitted := false
		response, err := client.Stream(ctx, messages, func(chunk string) error {
			emitted = true
			return onChunk(chunk)
		})
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.log.Warnf("Stream -> client %s failed: %v", name, err)
		if emitted {
			return "", apperrors.Upstream(err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no LLM client available for provider %q", preferred)
	}
	return "", apperrors.Upstream(lastErr)
}

// candidates returns the client names to try, preferred first, with
// duplicates and unregistered names dropped.
func (m *Manager) candidates(preferred string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if preferred == "" {
		preferred = m.defaultClient
	}

	names := make([]string, 0, len(m.fallbacks)+1)
	seen := make(map[string]bool, len(m.fallbacks)+1)
	if _, ok := m.clients[preferred]; ok {
		names = append(names, preferred)
		seen[preferred] = true
	}
	for _, name := range m.fallbacks {
		if seen[name] {
			continue
		}
		if _, ok := m.clients[name]; !ok {
			continue
		}
		names = append(names, name)
		seen[name] = true
	}
	return names
}

// Helper functions
func mapRole(role string) string {
	switch strings.ToLower(role) {
	case "user":
		return "user"
	case "assistant":
		return "assistant"
	case "system":
		return "system"
	default:
		return "user"
	}
}
