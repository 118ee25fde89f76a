package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
)

// HandoverTool cedes the chat to a human agent.
const HandoverTool = "handover_to_human"

var errNoMediaStore = errors.New("no media store configured")

// toolbox is the set of tools offered to the model for one team.
type toolbox struct {
	specs  []ToolSpec
	custom map[string]models.AITool
}

func newToolbox(custom []models.AITool) *toolbox {
	b := &toolbox{
		specs: []ToolSpec{{
			Name:        HandoverTool,
			Description: "Hand the conversation over to a human agent. Use it when the customer asks for a person or when you cannot help.",
			Params: []Param{{
				Name:        "reason",
				Description: "Short reason for the handover.",
			}},
		}},
		custom: make(map[string]models.AITool, len(custom)),
	}
	for _, t := range custom {
		if t.Name == HandoverTool {
			continue
		}
		if _, dup := b.custom[t.Name]; dup {
			continue
		}
		b.custom[t.Name] = t
		b.specs = append(b.specs, ToolSpec{Name: t.Name, Description: t.Description})
	}
	return b
}

// runTool executes one tool call. pause reports that the call hands the
// chat over to a human.
func (o *Orchestrator) runTool(ctx context.Context, chat *models.Chat, box *toolbox, call models.AIToolCall, log *slog.Logger) (result string, pause bool, err error) {
	if call.Name == HandoverTool {
		var args struct {
			Reason string `json:"reason"`
		}
		if call.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Arguments), &args)
		}
		log.Info("handover requested", slog.String("reason", args.Reason))
		return "The conversation was handed over to a human agent.", true, nil
	}

	tool, ok := box.custom[call.Name]
	if !ok {
		return "", false, fmt.Errorf("unknown tool %q", call.Name)
	}
	if o.media == nil {
		return "", false, errNoMediaStore
	}
	data, err := o.media.Load(ctx, tool.MediaRef)
	if err != nil {
		return "", false, fmt.Errorf("load %s media: %w", tool.Name, err)
	}
	kind := toolKind(tool)
	_, err = o.sender.Send(ctx, chat, whatsapp.Outbound{
		Kind:        kind,
		Text:        tool.Caption,
		Media:       data,
		MimeType:    tool.MimeType,
		FileName:    tool.FileName,
		AIGenerated: true,
	})
	if err != nil {
		return "", false, fmt.Errorf("send %s: %w", tool.Name, err)
	}
	return fmt.Sprintf("The %s was sent to the customer.", kind), tool.PausesAI, nil
}

func toolKind(t models.AITool) whatsapp.Kind {
	if k := whatsapp.Kind(t.MediaType); k.Media() {
		return k
	}
	base := media.BaseType(t.MimeType)
	switch {
	case strings.HasPrefix(base, "image/"):
		return whatsapp.KindImage
	case strings.HasPrefix(base, "video/"):
		return whatsapp.KindVideo
	case strings.HasPrefix(base, "audio/"):
		return whatsapp.KindAudio
	}
	return whatsapp.KindDocument
}
