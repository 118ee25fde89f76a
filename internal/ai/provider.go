// Package ai runs the LLM agent that answers chats no automation claimed.
package ai

import (
	"context"
	"errors"
	"fmt"

	"whatsapp-inbox/internal/models"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var ErrUnknownProvider = errors.New("unknown ai provider")

// Capabilities describes what a provider accepts besides text.
type Capabilities struct {
	Audio bool
}

// Param is a string argument of a tool.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Params      []Param
}

// Request is one generation call. Audio holds the bytes of every AudioRef
// found in History when the provider accepts audio.
type Request struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	History      []models.AITurn
	Tools        []ToolSpec
	Audio        map[string][]byte
}

// Response is either a final text or a set of tool calls.
type Response struct {
	Text      string
	ToolCalls []models.AIToolCall
}

// Provider is an LLM backend.
type Provider interface {
	Capabilities() Capabilities
	GenerateResponse(ctx context.Context, req Request) (*Response, error)
	TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error)
	Close() error
}

// Factory builds the provider configured for a team.
type Factory func(ctx context.Context, cfg *models.AIConfig) (Provider, error)

// NewProvider is the default Factory.
func NewProvider(ctx context.Context, cfg *models.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.APIKey), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg.APIKey)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
}
