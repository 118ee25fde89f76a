// Package api is the admin HTTP surface used by the inbox front end.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"whatsapp-inbox/internal/database"

	"github.com/gin-gonic/gin"
)

// TeamHeader scopes every admin request to one team.
const TeamHeader = "X-Team-ID"

func teamID(c *gin.Context) string {
	return c.GetString(TeamHeader)
}

// RequireTeam rejects requests without a team header.
func RequireTeam() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(TeamHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": TeamHeader + " header is required"})
			return
		}
		c.Set(TeamHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request, with any handler errors.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			log.Error("request failed", append(attrs, slog.String("error", c.Errors.String()))...)
			return
		}
		log.Debug("request", attrs...)
	}
}

// CORS allows the browser front end to call the API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+TeamHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Register mounts the admin routes under /api.
func Register(r gin.IRouter, automations *AutomationHandler, chats *ChatHandler, contacts *ContactHandler) {
	g := r.Group("/api", RequireTeam())

	g.GET("/automations", automations.ListDefinitions)
	g.POST("/automations", automations.CreateDefinition)
	g.GET("/automations/:id", automations.GetDefinition)
	g.PUT("/automations/:id", automations.UpdateDefinition)
	g.DELETE("/automations/:id", automations.DeleteDefinition)
	g.POST("/automations/:id/toggle", automations.ToggleDefinition)

	g.GET("/chats/:id/messages", chats.ListMessages)
	g.POST("/chats/:id/messages", chats.SendMessage)
	g.POST("/chats/:id/ai", chats.SetAIStatus)

	g.GET("/contacts", contacts.ListContacts)
	g.GET("/contacts/export", contacts.ExportContacts)
}

func internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func storeError(c *gin.Context, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	internalError(c, err)
}
