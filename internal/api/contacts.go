package api

import (
	"encoding/csv"
	"net/http"
	"strings"
	"time"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"

	"github.com/gin-gonic/gin"
)

// ContactHandler exposes the CRM contacts filled in by save_contact steps.
type ContactHandler struct {
	store *database.Store
}

func NewContactHandler(store *database.Store) *ContactHandler {
	return &ContactHandler{store: store}
}

func (h *ContactHandler) ListContacts(c *gin.Context) {
	contacts, err := h.store.Contacts(c.Request.Context(), teamID(c))
	if err != nil {
		internalError(c, err)
		return
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

func (h *ContactHandler) ExportContacts(c *gin.Context) {
	contacts, err := h.store.Contacts(c.Request.Context(), teamID(c))
	if err != nil {
		internalError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=contacts.csv")
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"Phone", "Name", "Tags", "Pipeline Stage", "Assigned Agent", "Created At"})
	for _, ct := range contacts {
		tags := make([]string, len(ct.Tags))
		for i, t := range ct.Tags {
			tags[i] = t.Name
		}
		_ = w.Write([]string{
			ct.Phone,
			ct.Name,
			strings.Join(tags, ";"),
			deref(ct.PipelineStageID),
			deref(ct.AssignedAgentID),
			ct.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = c.Error(err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
