package webhook

import (
	"errors"
	"log/slog"
	"net/http"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/inbox"
	"whatsapp-inbox/internal/lib/sl"

	"github.com/gin-gonic/gin"
)

// VerifyWebhook answers the managed API subscription handshake.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		h.log.Warn("webhook verification rejected", slog.String("mode", mode))
		c.Status(http.StatusForbidden)
		return
	}
	h.log.Info("webhook verified")
	c.String(http.StatusOK, challenge)
}

// HandleCloud processes a managed API notification.
func (h *Handler) HandleCloud(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	batches, err := inbox.DecodeCloudWebhook(body)
	if err != nil {
		h.log.Warn("bad managed api payload", sl.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	ctx := c.Request.Context()
	status := statusIgnored
	for _, b := range batches {
		log := h.log.With(slog.String("phone_number_id", b.PhoneNumberID))
		ch, err := h.store.ChannelByPhoneNumberID(ctx, b.PhoneNumberID)
		if errors.Is(err, database.ErrNotFound) {
			log.Warn("unknown phone number id")
			continue
		}
		if err != nil {
			log.Error("load channel", sl.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		for _, in := range b.Messages {
			if err := h.ingest(ctx, ch, in); err != nil {
				log.Error("ingest message", slog.String("message", in.ID), sl.Err(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
				return
			}
			status = statusOK
		}

		applied, err := h.recon.Apply(ctx, b.Receipts)
		if err != nil {
			log.Error("apply receipts", sl.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
			return
		}
		if applied > 0 {
			status = statusOK
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
