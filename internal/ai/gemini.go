package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/models"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const (
	defaultGeminiModel = "gemini-1.5-flash"
	transcribePrompt   = "Transcribe this audio message. Reply with the transcript only."
)

// GeminiProvider uses function calling and accepts audio inline.
type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiProvider{client: cl}, nil
}

func (g *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{Audio: true}
}

func (g *GeminiProvider) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiProvider) GenerateResponse(ctx context.Context, req Request) (*Response, error) {
	name := req.Model
	if name == "" {
		name = defaultGeminiModel
	}
	m := g.client.GenerativeModel(name)
	if req.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}
	m.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  geminiSchema(spec.Params),
			})
		}
		m.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := geminiContents(req.History, req.Audio)
	if len(contents) == 0 {
		return &Response{}, nil
	}

	cs := m.StartChat()
	cs.History = contents[:len(contents)-1]
	resp, err := cs.SendMessage(ctx, contents[len(contents)-1].Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return &Response{}, nil
	}

	out := &Response{}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		switch v := p.(type) {
		case genai.Text:
			b.WriteString(string(v))
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil {
				return nil, fmt.Errorf("encode %s arguments: %w", v.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, models.AIToolCall{
				ID:        uuid.NewString(),
				Name:      v.Name,
				Arguments: string(args),
			})
		}
	}
	out.Text = b.String()
	return out, nil
}

func (g *GeminiProvider) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error) {
	m := g.client.GenerativeModel(defaultGeminiModel)
	resp, err := m.GenerateContent(ctx,
		genai.Blob{MIMEType: media.BaseType(mimeType), Data: data},
		genai.Text(transcribePrompt),
	)
	if err != nil {
		return "", fmt.Errorf("gemini transcription: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// geminiContents maps the history onto user/model contents, merging
// adjacent turns of the same role.
func geminiContents(history []models.AITurn, audio map[string][]byte) []*genai.Content {
	var contents []*genai.Content
	add := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, turn := range history {
		switch turn.Role {
		case RoleUser:
			var parts []genai.Part
			if data, ok := audio[turn.AudioRef]; ok && turn.AudioRef != "" {
				parts = append(parts, genai.Blob{MIMEType: media.BaseType(turn.AudioMime), Data: data})
			}
			if turn.Content != "" {
				parts = append(parts, genai.Text(turn.Content))
			}
			add("user", parts...)
		case RoleAssistant:
			var parts []genai.Part
			if turn.Content != "" {
				parts = append(parts, genai.Text(turn.Content))
			}
			for _, call := range turn.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal([]byte(call.Arguments), &args)
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: args})
			}
			add("model", parts...)
		case RoleTool:
			add("user", genai.FunctionResponse{
				Name:     turn.Name,
				Response: map[string]any{"result": turn.Content},
			})
		}
	}
	return contents
}

func geminiSchema(params []Param) *genai.Schema {
	if len(params) == 0 {
		return nil
	}
	s := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(params)),
	}
	for _, p := range params {
		s.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}
