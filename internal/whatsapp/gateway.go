package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/models"

	"github.com/go-resty/resty/v2"
)

// GatewayClient calls the self-hosted WhatsApp gateway. Every channel is a
// named instance authenticated with its own apikey.
type GatewayClient struct {
	http    *resty.Client
	baseURL string
}

func NewGatewayClient(cfg *config.Config) *GatewayClient {
	return &GatewayClient{
		http:    resty.New().SetTimeout(cfg.HTTPClientTimeout),
		baseURL: strings.TrimRight(cfg.Gateway.BaseURL, "/"),
	}
}

type gatewayText struct {
	Number      string `json:"number"`
	Text        string `json:"text"`
	Delay       int    `json:"delay,omitempty"`
	LinkPreview bool   `json:"linkPreview"`
}

type gatewayMedia struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
	Delay     int    `json:"delay,omitempty"`
}

type gatewaySendResponse struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
}

func (g *GatewayClient) SendText(ctx context.Context, ch *models.Channel, number, text string) (string, error) {
	return g.send(ctx, ch, "sendText", gatewayText{
		Number:      number,
		Text:        text,
		LinkPreview: true,
	})
}

// SendMedia sends base64-encoded media; mediaType is image, video, audio
// or document.
func (g *GatewayClient) SendMedia(ctx context.Context, ch *models.Channel, number, mediaType string, data []byte, mimeType, caption, fileName string) (string, error) {
	return g.send(ctx, ch, "sendMedia", gatewayMedia{
		Number:    number,
		MediaType: mediaType,
		MimeType:  mimeType,
		Caption:   caption,
		Media:     base64.StdEncoding.EncodeToString(data),
		FileName:  fileName,
	})
}

func (g *GatewayClient) send(ctx context.Context, ch *models.Channel, endpoint string, body any) (string, error) {
	var out gatewaySendResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetHeader("apikey", ch.APIKey).
		SetBody(body).
		SetResult(&out).
		Post(fmt.Sprintf("%s/message/%s/%s", g.baseURL, endpoint, ch.Name))
	if err != nil {
		return "", fmt.Errorf("gateway %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("gateway %s: %s - %s", endpoint, resp.Status(), resp.String())
	}
	if out.Key.ID == "" {
		return "", fmt.Errorf("gateway %s: response without message id", endpoint)
	}
	return out.Key.ID, nil
}

// MediaBase64 asks the gateway to decrypt and return the media of a
// received message.
func (g *GatewayClient) MediaBase64(ctx context.Context, ch *models.Channel, messageID string) ([]byte, string, error) {
	var out struct {
		Base64   string `json:"base64"`
		MimeType string `json:"mimetype"`
	}
	body := map[string]any{
		"message":      map[string]any{"key": map[string]string{"id": messageID}},
		"convertToMp4": false,
	}
	resp, err := g.http.R().
		SetContext(ctx).
		SetHeader("apikey", ch.APIKey).
		SetBody(body).
		SetResult(&out).
		Post(fmt.Sprintf("%s/chat/getBase64FromMediaMessage/%s", g.baseURL, ch.Name))
	if err != nil {
		return nil, "", fmt.Errorf("gateway media: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("gateway media: %s", resp.Status())
	}
	data, err := base64.StdEncoding.DecodeString(out.Base64)
	if err != nil {
		return nil, "", fmt.Errorf("gateway media: decode: %w", err)
	}
	return data, out.MimeType, nil
}
