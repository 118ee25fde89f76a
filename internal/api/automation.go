package api

import (
	"log/slog"
	"net/http"

	"whatsapp-inbox/internal/automation"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

type AutomationHandler struct {
	store *database.Store
	log   *slog.Logger
}

func NewAutomationHandler(store *database.Store, log *slog.Logger) *AutomationHandler {
	return &AutomationHandler{store: store, log: log.With(sl.Module("api.automation"))}
}

type definitionRequest struct {
	Name            string             `json:"name" binding:"required"`
	ChannelID       *string            `json:"channel_id"`
	IsActive        bool               `json:"is_active"`
	Position        int                `json:"position"`
	TriggerType     models.TriggerType `json:"trigger_type" binding:"required,oneof=exact_match contains first_message fallback"`
	Keywords        []string           `json:"keywords"`
	PipelineStageID *string            `json:"pipeline_stage_id"`
	AssignedAgentID *string            `json:"assigned_agent_id"`
	TagID           *string            `json:"tag_id"`
	Nodes           []models.GraphNode `json:"nodes" binding:"required"`
	Edges           []models.GraphEdge `json:"edges"`
}

func (r *definitionRequest) apply(def *models.AutomationDefinition) {
	def.Name = r.Name
	def.ChannelID = r.ChannelID
	def.IsActive = r.IsActive
	def.Position = r.Position
	def.TriggerType = r.TriggerType
	def.Keywords = datatypes.NewJSONType(r.Keywords)
	def.PipelineStageID = r.PipelineStageID
	def.AssignedAgentID = r.AssignedAgentID
	def.TagID = r.TagID
	def.Nodes = datatypes.NewJSONType(r.Nodes)
	def.Edges = datatypes.NewJSONType(r.Edges)
}

// bindDefinition decodes and validates a definition, graph included.
func bindDefinition(c *gin.Context) (*definitionRequest, bool) {
	var req definitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if _, err := automation.ParseGraph(req.Nodes, req.Edges); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return nil, false
	}
	return &req, true
}

// ListDefinitions returns the team's automations in trigger order.
func (h *AutomationHandler) ListDefinitions(c *gin.Context) {
	defs, err := h.store.Definitions(c.Request.Context(), teamID(c))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (h *AutomationHandler) GetDefinition(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *AutomationHandler) CreateDefinition(c *gin.Context) {
	req, ok := bindDefinition(c)
	if !ok {
		return
	}
	def := &models.AutomationDefinition{TeamID: teamID(c)}
	req.apply(def)
	if err := h.store.CreateDefinition(c.Request.Context(), def); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (h *AutomationHandler) UpdateDefinition(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	req, ok := bindDefinition(c)
	if !ok {
		return
	}
	req.apply(def)
	if err := h.store.SaveDefinition(c.Request.Context(), def); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *AutomationHandler) DeleteDefinition(c *gin.Context) {
	def, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.store.DeleteDefinition(c.Request.Context(), def.ID); err != nil {
		storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleDefinition enables or disables an automation.
func (h *AutomationHandler) ToggleDefinition(c *gin.Context) {
	var req struct {
		Active *bool `json:"is_active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.store.SetDefinitionActive(c.Request.Context(), def.ID, *req.Active); err != nil {
		storeError(c, err)
		return
	}
	def.IsActive = *req.Active
	h.log.Info("automation toggled", slog.String("id", def.ID), slog.Bool("active", def.IsActive))
	c.JSON(http.StatusOK, def)
}

// load fetches the :id definition and checks it belongs to the team.
func (h *AutomationHandler) load(c *gin.Context) (*models.AutomationDefinition, bool) {
	def, err := h.store.Definition(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return nil, false
	}
	if def.TeamID != teamID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return def, true
}
