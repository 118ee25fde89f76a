package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Protocol string

const (
	ProtocolGateway    Protocol = "gateway"
	ProtocolManagedAPI Protocol = "managed-api"
)

// Channel is a configured messaging identity owned by a team.
type Channel struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TeamID          string    `gorm:"type:varchar(36);not null;index" json:"team_id"`
	Name            string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_channel_protocol_name,priority:2" json:"name"`
	Protocol        Protocol  `gorm:"type:varchar(20);not null;uniqueIndex:idx_channel_protocol_name,priority:1" json:"protocol"`
	APIKey          string    `gorm:"type:text" json:"-"`
	PhoneNumberID   string    `gorm:"type:varchar(64);index" json:"phone_number_id"`
	AccessToken     string    `gorm:"type:text" json:"-"`
	ConnectionState string    `gorm:"type:varchar(32)" json:"connection_state"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Channel) TableName() string {
	return "channels"
}

// HasManagedCredentials reports whether interactive payloads can be sent.
func (c *Channel) HasManagedCredentials() bool {
	return c.PhoneNumberID != "" && c.AccessToken != ""
}

// Chat is a conversation thread keyed by team, peer and channel.
type Chat struct {
	ID                        string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TeamID                    string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_chat_key,priority:1" json:"team_id"`
	RemoteJID                 string        `gorm:"column:remote_jid;type:varchar(255);not null;uniqueIndex:idx_chat_key,priority:2" json:"remote_jid"`
	ChannelID                 string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_chat_key,priority:3" json:"channel_id"`
	Name                      string        `gorm:"type:varchar(255)" json:"name"`
	ProfilePicURL             string        `gorm:"type:text" json:"profile_pic_url"`
	ContactID                 *string       `gorm:"type:varchar(36);index" json:"contact_id"`
	LastMessageID             string        `gorm:"type:varchar(255)" json:"last_message_id"`
	LastMessage               string        `gorm:"type:text" json:"last_message"`
	LastMessageAt             *time.Time    `gorm:"index" json:"last_message_at"`
	LastMessageFromMe         bool          `json:"last_message_from_me"`
	LastMessageStatus         MessageStatus `gorm:"default:0" json:"last_message_status"`
	UnreadCount               int           `gorm:"default:0" json:"unread_count"`
	LastCustomerInteractionAt *time.Time    `json:"last_customer_interaction_at"`
	CreatedAt                 time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Chat) TableName() string {
	return "chats"
}

// QuotedMessage is the denormalized snapshot of a replied-to message.
type QuotedMessage struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Type   string `json:"type"`
	FromMe bool   `json:"from_me"`
}

// Message is immutable once created except for Status.
type Message struct {
	ID             string         `gorm:"primaryKey;type:varchar(255)" json:"id"`
	ChatID         string         `gorm:"type:varchar(36);not null;index" json:"chat_id"`
	TeamID         string         `gorm:"type:varchar(36);not null;index" json:"team_id"`
	FromMe         bool           `gorm:"not null;default:false" json:"from_me"`
	Type           string         `gorm:"type:varchar(50)" json:"type"`
	Text           string         `gorm:"type:text" json:"text"`
	Caption        string         `gorm:"type:text" json:"caption,omitempty"`
	MediaURL       string         `gorm:"type:text" json:"media_url,omitempty"`
	MimeType       string         `gorm:"type:varchar(255)" json:"mime_type,omitempty"`
	FileName       string         `gorm:"type:varchar(255)" json:"file_name,omitempty"`
	FileLength     int64          `json:"file_length,omitempty"`
	Seconds        int            `json:"seconds,omitempty"`
	PTT            bool           `json:"ptt,omitempty"`
	ContactName    string         `gorm:"type:varchar(255)" json:"contact_name,omitempty"`
	ContactVCard   string         `gorm:"column:contact_vcard;type:text" json:"contact_vcard,omitempty"`
	Latitude       *float64       `json:"latitude,omitempty"`
	Longitude      *float64       `json:"longitude,omitempty"`
	LocationName   string         `gorm:"type:varchar(255)" json:"location_name,omitempty"`
	Quoted         *QuotedMessage `gorm:"type:text;serializer:json" json:"quoted,omitempty"`
	Status         MessageStatus  `gorm:"not null;default:0;index" json:"status"`
	IsInternalNote bool           `gorm:"default:false" json:"is_internal_note"`
	IsAIGenerated  bool           `gorm:"default:false" json:"is_ai_generated"`
	IsAutomation   bool           `gorm:"default:false" json:"is_automation"`
	Timestamp      time.Time      `gorm:"index" json:"timestamp"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Contact is the CRM record linked to a chat.
type Contact struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TeamID          string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_contact_team_phone,priority:1" json:"team_id"`
	Phone           string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_contact_team_phone,priority:2" json:"phone"`
	Name            string    `gorm:"type:varchar(255)" json:"name"`
	AssignedAgentID *string   `gorm:"type:varchar(36);index" json:"assigned_agent_id"`
	PipelineStageID *string   `gorm:"type:varchar(36);index" json:"pipeline_stage_id"`
	Tags            []Tag     `gorm:"many2many:contact_tags;" json:"tags"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

type Tag struct {
	ID     string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TeamID string `gorm:"type:varchar(36);not null;index" json:"team_id"`
	Name   string `gorm:"type:varchar(100)" json:"name"`
}

func (Tag) TableName() string {
	return "tags"
}

type TriggerType string

const (
	TriggerExactMatch   TriggerType = "exact_match"
	TriggerContains     TriggerType = "contains"
	TriggerFirstMessage TriggerType = "first_message"
	TriggerFallback     TriggerType = "fallback"
)

// GraphNode is a stored graph vertex; Data is decoded according to Type.
type GraphNode struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GraphEdge connects two nodes. SourceHandle selects the branch of a
// choice node.
type GraphEdge struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
}

// AutomationDefinition is a conversation graph plus its trigger rule.
type AutomationDefinition struct {
	ID              string                          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TeamID          string                          `gorm:"type:varchar(36);not null;index" json:"team_id"`
	ChannelID       *string                         `gorm:"type:varchar(36);index" json:"channel_id"`
	Name            string                          `gorm:"type:varchar(255);not null" json:"name"`
	IsActive        bool                            `json:"is_active"`
	Position        int                             `gorm:"default:0" json:"position"`
	TriggerType     TriggerType                     `gorm:"type:varchar(32);not null" json:"trigger_type"`
	Keywords        datatypes.JSONType[[]string]    `json:"keywords"`
	PipelineStageID *string                         `gorm:"type:varchar(36)" json:"pipeline_stage_id"`
	AssignedAgentID *string                         `gorm:"type:varchar(36)" json:"assigned_agent_id"`
	TagID           *string                         `gorm:"type:varchar(36)" json:"tag_id"`
	Nodes           datatypes.JSONType[[]GraphNode] `json:"nodes"`
	Edges           datatypes.JSONType[[]GraphEdge] `json:"edges"`
	CreatedAt       time.Time                       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time                       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AutomationDefinition) TableName() string {
	return "automation_definitions"
}

const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// AutomationSession is the position of one chat inside a definition graph.
// The partial unique index allows a single active session per chat.
type AutomationSession struct {
	ID            string                                `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TeamID        string                                `gorm:"type:varchar(36);not null" json:"team_id"`
	DefinitionID  string                                `gorm:"type:varchar(36);not null;index" json:"definition_id"`
	ChatID        string                                `gorm:"type:varchar(36);not null;uniqueIndex:idx_session_active_chat,where:status = 'active'" json:"chat_id"`
	CurrentNodeID string                                `gorm:"type:varchar(255)" json:"current_node_id"`
	Variables     datatypes.JSONType[map[string]string] `json:"variables"`
	Status        string                                `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	CreatedAt     time.Time                             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time                             `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AutomationSession) TableName() string {
	return "automation_sessions"
}

func (s *AutomationSession) Vars() map[string]string {
	vars := s.Variables.Data()
	if vars == nil {
		return map[string]string{}
	}
	return vars
}

const (
	AIStatusActive = "active"
	AIStatusPaused = "paused"
)

// AIToolCall is a provider-agnostic tool invocation requested by the model.
type AIToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// AITurn is one entry of the rolling AI history.
type AITurn struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	AudioRef   string       `json:"audio_ref,omitempty"`
	AudioMime  string       `json:"audio_mime,omitempty"`
	ToolCalls  []AIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type AISession struct {
	ChatID    string                       `gorm:"primaryKey;type:varchar(36)" json:"chat_id"`
	TeamID    string                       `gorm:"type:varchar(36);not null;index" json:"team_id"`
	Status    string                       `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	History   datatypes.JSONType[[]AITurn] `json:"history"`
	CreatedAt time.Time                    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time                    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AISession) TableName() string {
	return "ai_sessions"
}

// AIConfig is the per-team LLM agent configuration.
type AIConfig struct {
	TeamID       string    `gorm:"primaryKey;type:varchar(36)" json:"team_id"`
	Provider     string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model        string    `gorm:"type:varchar(100)" json:"model"`
	APIKey       string    `gorm:"type:text" json:"-"`
	SystemPrompt string    `gorm:"type:text" json:"system_prompt"`
	Temperature  float32   `json:"temperature"`
	MaxTokens    int       `json:"max_tokens"`
	IsActive     bool      `json:"is_active"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AIConfig) TableName() string {
	return "ai_configs"
}

// AITool is a team-defined tool backed by a canned media send.
type AITool struct {
	ID          string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TeamID      string `gorm:"type:varchar(36);not null;index" json:"team_id"`
	Name        string `gorm:"type:varchar(64);not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	MediaRef    string `gorm:"type:text" json:"media_ref"`
	MediaType   string `gorm:"type:varchar(20)" json:"media_type"`
	MimeType    string `gorm:"type:varchar(255)" json:"mime_type"`
	FileName    string `gorm:"type:varchar(255)" json:"file_name"`
	Caption     string `gorm:"type:text" json:"caption"`
	PausesAI    bool   `gorm:"default:false" json:"pauses_ai"`
	IsActive    bool   `json:"is_active"`
}

func (AITool) TableName() string {
	return "ai_tools"
}

// All lists every model handled by the migrator.
func All() []interface{} {
	return []interface{}{
		&Channel{},
		&Chat{},
		&Message{},
		&Tag{},
		&Contact{},
		&AutomationDefinition{},
		&AutomationSession{},
		&AISession{},
		&AIConfig{},
		&AITool{},
	}
}

func newID(current string) string {
	if current != "" {
		return current
	}
	return uuid.NewString()
}

func (c *Channel) BeforeCreate(*gorm.DB) error              { c.ID = newID(c.ID); return nil }
func (c *Chat) BeforeCreate(*gorm.DB) error                 { c.ID = newID(c.ID); return nil }
func (c *Contact) BeforeCreate(*gorm.DB) error              { c.ID = newID(c.ID); return nil }
func (t *Tag) BeforeCreate(*gorm.DB) error                  { t.ID = newID(t.ID); return nil }
func (d *AutomationDefinition) BeforeCreate(*gorm.DB) error { d.ID = newID(d.ID); return nil }
func (s *AutomationSession) BeforeCreate(*gorm.DB) error    { s.ID = newID(s.ID); return nil }
func (t *AITool) BeforeCreate(*gorm.DB) error               { t.ID = newID(t.ID); return nil }
