package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"whatsapp-inbox/internal/config"

	"github.com/go-resty/resty/v2"
)

// ErrNoManagedCredentials is returned when a send needs the managed
// Business API but the channel has no phone number id or token.
var ErrNoManagedCredentials = errors.New("channel has no managed api credentials")

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type,omitempty"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *TextObj        `json:"text,omitempty"`
	Image            *MediaObj       `json:"image,omitempty"`
	Video            *MediaObj       `json:"video,omitempty"`
	Audio            *MediaObj       `json:"audio,omitempty"`
	Document         *MediaObj       `json:"document,omitempty"`
	Interactive      *InteractiveObj `json:"interactive,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type MediaObj struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"` // documents only
}

type InteractiveObj struct {
	Type   string     `json:"type"`
	Header *HeaderObj `json:"header,omitempty"`
	Body   BodyObj    `json:"body"`
	Footer *FooterObj `json:"footer,omitempty"`
	Action ActionObj  `json:"action"`
}

type HeaderObj struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type BodyObj struct {
	Text string `json:"text"`
}

type FooterObj struct {
	Text string `json:"text"`
}

type ActionObj struct {
	Button   string       `json:"button,omitempty"`
	Buttons  []ButtonObj  `json:"buttons,omitempty"`
	Sections []SectionObj `json:"sections,omitempty"`
}

type ButtonObj struct {
	Type  string   `json:"type"`
	Reply ReplyObj `json:"reply"`
}

type ReplyObj struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type SectionObj struct {
	Title string   `json:"title,omitempty"`
	Rows  []RowObj `json:"rows"`
}

type RowObj struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Credentials authenticate calls for one managed-api phone number.
type Credentials struct {
	PhoneNumberID string
	AccessToken   string
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// CloudClient talks to the Graph-style managed Business API.
type CloudClient struct {
	http    *resty.Client
	baseURL string
	version string
}

func NewCloudClient(cfg *config.Config) *CloudClient {
	return &CloudClient{
		http:    resty.New().SetTimeout(cfg.HTTPClientTimeout),
		baseURL: strings.TrimRight(cfg.Graph.BaseURL, "/"),
		version: cfg.Graph.Version,
	}
}

func (c *CloudClient) url(parts ...string) string {
	return c.baseURL + "/" + c.version + "/" + strings.Join(parts, "/")
}

// Send posts msg and returns the provider message id.
func (c *CloudClient) Send(ctx context.Context, creds Credentials, msg GenericMessage) (string, error) {
	msg.MessagingProduct = "whatsapp"
	if msg.RecipientType == "" {
		msg.RecipientType = "individual"
	}

	var out sendResponse
	var apiErr graphError
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetBody(msg).
		SetResult(&out).
		SetError(&apiErr).
		Post(c.url(creds.PhoneNumberID, "messages"))
	if err != nil {
		return "", fmt.Errorf("graph send: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("graph send: %s: %s", resp.Status(), apiErr.Error.Message)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", fmt.Errorf("graph send: response without message id")
	}
	return out.Messages[0].ID, nil
}

// UploadMedia stores media on the provider and returns its media id.
func (c *CloudClient) UploadMedia(ctx context.Context, creds Credentials, data []byte, mimeType, filename string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.AccessToken).
		SetMultipartField("file", filename, mimeType, bytes.NewReader(data)).
		SetMultipartFormData(map[string]string{
			"messaging_product": "whatsapp",
			"type":              mimeType,
		}).
		SetResult(&out).
		Post(c.url(creds.PhoneNumberID, "media"))
	if err != nil {
		return "", fmt.Errorf("graph upload: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("graph upload: %s - %s", resp.Status(), resp.String())
	}
	if out.ID == "" {
		return "", fmt.Errorf("graph upload: response without media id")
	}
	return out.ID, nil
}

// DownloadMedia resolves a media id to its URL and downloads the bytes
// with the same token.
func (c *CloudClient) DownloadMedia(ctx context.Context, accessToken, mediaID string) ([]byte, string, error) {
	var obj struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&obj).
		Get(c.url(mediaID))
	if err != nil {
		return nil, "", fmt.Errorf("graph media lookup: %w", err)
	}
	if resp.IsError() || obj.URL == "" {
		return nil, "", fmt.Errorf("graph media lookup: %s", resp.Status())
	}

	file, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		Get(obj.URL)
	if err != nil {
		return nil, "", fmt.Errorf("graph media download: %w", err)
	}
	if file.IsError() {
		return nil, "", fmt.Errorf("graph media download: %s", file.Status())
	}

	mimeType := obj.MimeType
	if mimeType == "" {
		mimeType = file.Header().Get("Content-Type")
	}
	return file.Body(), mimeType, nil
}
