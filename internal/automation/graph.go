package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"whatsapp-inbox/internal/models"

	"github.com/go-playground/validator/v10"
)

type NodeType string

const (
	TypeStart         NodeType = "start"
	TypeMessage       NodeType = "message"
	TypeOptions       NodeType = "options"
	TypeMedia         NodeType = "media"
	TypeCollect       NodeType = "collect"
	TypeButtonMessage NodeType = "button_message"
	TypeListMessage   NodeType = "list_message"
	TypeCallToAction  NodeType = "call_to_action"
	TypeSaveContact   NodeType = "save_contact"
	TypeAIControl     NodeType = "ai_control"
	TypeDelay         NodeType = "delay"
	TypeEnd           NodeType = "end"
)

var ErrNoStartNode = errors.New("graph has no start node")

var validate = validator.New()

// Node is one vertex of an automation graph. The set of implementations
// is closed; the executor switches over the concrete types.
type Node interface {
	ID() string
	Type() NodeType
	init(id string, typ NodeType)
}

type header struct {
	id  string
	typ NodeType
}

func (h *header) ID() string                   { return h.id }
func (h *header) Type() NodeType               { return h.typ }
func (h *header) init(id string, typ NodeType) { h.id, h.typ = id, typ }

type StartNode struct {
	header
}

type MessageNode struct {
	header
	Text string `json:"text" validate:"required"`
}

type OptionsNode struct {
	header
	Text        string   `json:"text"`
	Options     []string `json:"options" validate:"min=1,dive,required"`
	InvalidText string   `json:"invalidText"`
}

type MediaNode struct {
	header
	MediaRef  string `json:"mediaRef" validate:"required"`
	MediaType string `json:"mediaType" validate:"oneof=image video audio document"`
	MimeType  string `json:"mimeType"`
	FileName  string `json:"fileName"`
	Caption   string `json:"caption"`
}

type CollectNode struct {
	header
	Text     string `json:"text"`
	Variable string `json:"variable" validate:"required"`
}

type Choice struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title" validate:"required"`
}

type ButtonNode struct {
	header
	Header      string   `json:"header"`
	Text        string   `json:"text" validate:"required"`
	Footer      string   `json:"footer"`
	Buttons     []Choice `json:"buttons" validate:"min=1,max=3,dive"`
	InvalidText string   `json:"invalidText"`
}

type ListRow struct {
	ID          string `json:"id" validate:"required"`
	Title       string `json:"title" validate:"required"`
	Description string `json:"description"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows" validate:"min=1,dive"`
}

type ListNode struct {
	header
	Header      string        `json:"header"`
	Text        string        `json:"text" validate:"required"`
	Footer      string        `json:"footer"`
	ButtonText  string        `json:"buttonText"`
	Sections    []ListSection `json:"sections" validate:"min=1,dive"`
	InvalidText string        `json:"invalidText"`
}

type CallToActionNode struct {
	header
	Header     string `json:"header"`
	Text       string `json:"text"`
	Footer     string `json:"footer"`
	ButtonText string `json:"buttonText"`
	URL        string `json:"url" validate:"required,url"`
}

// SaveContactNode upserts the chat's contact. Nil ids leave the stored
// assignment alone.
type SaveContactNode struct {
	header
	NameVariable    string  `json:"nameVariable"`
	AssignedAgentID *string `json:"assignedAgentId"`
	PipelineStageID *string `json:"pipelineStageId"`
	TagID           *string `json:"tagId"`
}

type AIControlNode struct {
	header
	Status string `json:"status" validate:"oneof=active paused"`
}

type DelayNode struct {
	header
	Seconds int `json:"seconds" validate:"min=0,max=86400"`
}

type EndNode struct {
	header
}

// PassNode stands in for node types this engine has no behaviour for.
// It is followed through its single edge.
type PassNode struct {
	header
}

// Graph is a parsed, validated automation definition.
type Graph struct {
	nodes map[string]Node
	edges map[string][]models.GraphEdge
	start Node
}

// ParseGraph decodes the stored nodes and edges. Every node payload is
// validated against its type and the graph must have one start node.
func ParseGraph(nodes []models.GraphNode, edges []models.GraphEdge) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]Node, len(nodes)),
		edges: make(map[string][]models.GraphEdge),
	}

	for _, raw := range nodes {
		if raw.ID == "" {
			return nil, errors.New("node without id")
		}
		if _, dup := g.nodes[raw.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", raw.ID)
		}
		n, err := decodeNode(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := n.(*StartNode); ok {
			if g.start != nil {
				return nil, fmt.Errorf("second start node %q", raw.ID)
			}
			g.start = n
		}
		g.nodes[raw.ID] = n
	}
	if g.start == nil {
		return nil, ErrNoStartNode
	}

	for _, e := range edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("edge from unknown node %q", e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("edge to unknown node %q", e.Target)
		}
		g.edges[e.Source] = append(g.edges[e.Source], e)
	}
	return g, nil
}

// ParseDefinition parses the graph stored on def.
func ParseDefinition(def *models.AutomationDefinition) (*Graph, error) {
	g, err := ParseGraph(def.Nodes.Data(), def.Edges.Data())
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", def.ID, err)
	}
	return g, nil
}

func decodeNode(raw models.GraphNode) (Node, error) {
	var n Node
	switch NodeType(raw.Type) {
	case TypeStart:
		n = &StartNode{}
	case TypeMessage:
		n = &MessageNode{}
	case TypeOptions:
		n = &OptionsNode{}
	case TypeMedia:
		n = &MediaNode{}
	case TypeCollect:
		n = &CollectNode{}
	case TypeButtonMessage:
		n = &ButtonNode{}
	case TypeListMessage:
		n = &ListNode{}
	case TypeCallToAction:
		n = &CallToActionNode{}
	case TypeSaveContact:
		n = &SaveContactNode{}
	case TypeAIControl:
		n = &AIControlNode{}
	case TypeDelay:
		n = &DelayNode{}
	case TypeEnd:
		n = &EndNode{}
	default:
		n = &PassNode{}
	}

	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, n); err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", raw.ID, raw.Type, err)
		}
	}
	if err := validate.Struct(n); err != nil {
		return nil, fmt.Errorf("node %s (%s): %w", raw.ID, raw.Type, err)
	}
	n.init(raw.ID, NodeType(raw.Type))
	return n, nil
}

func (g *Graph) Start() Node {
	return g.start
}

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Next returns the target of the node's outgoing edge. With several edges
// the first one wins.
func (g *Graph) Next(id string) (string, bool) {
	edges := g.edges[id]
	if len(edges) == 0 {
		return "", false
	}
	return edges[0].Target, true
}

// NextByHandle returns the target of the edge leaving id through handle.
func (g *Graph) NextByHandle(id, handle string) (string, bool) {
	for _, e := range g.edges[id] {
		if e.SourceHandle == handle {
			return e.Target, true
		}
	}
	return "", false
}

// NextByOption returns the target of the edge for the 0-based option
// index. Handles are either the bare index or end in "-<index>".
func (g *Graph) NextByOption(id string, index int) (string, bool) {
	want := strconv.Itoa(index)
	for _, e := range g.edges[id] {
		if e.SourceHandle == want || strings.HasSuffix(e.SourceHandle, "-"+want) {
			return e.Target, true
		}
	}
	return "", false
}

// Choose maps a reply onto an option: a 1-based number or the option
// text, case-insensitively.
func (n *OptionsNode) Choose(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if i, err := strconv.Atoi(text); err == nil {
		if i >= 1 && i <= len(n.Options) {
			return i - 1, true
		}
		return 0, false
	}
	for i, opt := range n.Options {
		if strings.EqualFold(strings.TrimSpace(opt), text) {
			return i, true
		}
	}
	return 0, false
}

// Choose matches a button by selection id, or by its id or label.
func (n *ButtonNode) Choose(selectionID, text string) (string, bool) {
	text = strings.TrimSpace(text)
	for _, b := range n.Buttons {
		if selectionID != "" && selectionID == b.ID {
			return b.ID, true
		}
	}
	for _, b := range n.Buttons {
		if strings.EqualFold(b.Title, text) || strings.EqualFold(b.ID, text) {
			return b.ID, true
		}
	}
	return "", false
}

// Choose matches a list row by selection id, or by its id or title.
func (n *ListNode) Choose(selectionID, text string) (string, bool) {
	text = strings.TrimSpace(text)
	for _, s := range n.Sections {
		for _, r := range s.Rows {
			if selectionID != "" && selectionID == r.ID {
				return r.ID, true
			}
		}
	}
	for _, s := range n.Sections {
		for _, r := range s.Rows {
			if strings.EqualFold(r.Title, text) || strings.EqualFold(r.ID, text) {
				return r.ID, true
			}
		}
	}
	return "", false
}
