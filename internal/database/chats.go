package database

import (
	"context"
	"fmt"
	"time"

	"whatsapp-inbox/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IngestResult describes the outcome of persisting one message.
type IngestResult struct {
	Chat         *models.Chat
	Message      *models.Message
	Duplicate    bool
	FirstMessage bool
}

// IngestMessage upserts the chat identified by (team, remote jid, channel)
// and inserts msg in one transaction. A message id that already exists is
// absorbed: Duplicate is set and the chat projection is left untouched.
func (s *Store) IngestMessage(ctx context.Context, chat *models.Chat, msg *models.Message, preview string) (*IngestResult, error) {
	res := &IngestResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := upsertChat(tx, chat, !msg.FromMe)
		if err != nil {
			return err
		}
		res.Chat = stored

		inserted, err := insertMessage(tx, stored, msg, preview)
		if err != nil {
			return err
		}
		if !inserted {
			res.Duplicate = true
			return nil
		}

		var count int64
		if err := tx.Model(&models.Message{}).Where("chat_id = ?", stored.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		res.FirstMessage = count == 1

		return tx.First(res.Chat, "id = ?", stored.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("ingest message %s: %w", msg.ID, err)
	}
	res.Message = msg
	return res, nil
}

// AppendMessage records msg on an existing chat and refreshes its
// projection. It returns false when the message id was already stored.
func (s *Store) AppendMessage(ctx context.Context, chat *models.Chat, msg *models.Message, preview string) (bool, error) {
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inserted, err = insertMessage(tx, chat, msg, preview)
		if err != nil || !inserted {
			return err
		}
		return tx.First(chat, "id = ?", chat.ID).Error
	})
	if err != nil {
		return false, fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return inserted, nil
}

func upsertChat(tx *gorm.DB, chat *models.Chat, inbound bool) (*models.Chat, error) {
	updates := []string{"updated_at"}
	if inbound && chat.Name != "" {
		updates = append(updates, "name")
	}
	if chat.ProfilePicURL != "" {
		updates = append(updates, "profile_pic_url")
	}

	candidate := *chat
	candidate.ID = ""
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}, {Name: "remote_jid"}, {Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&candidate).Error
	if err != nil {
		return nil, fmt.Errorf("upsert chat: %w", err)
	}

	// the id generated for the candidate is discarded on conflict
	var stored models.Chat
	err = tx.Where("team_id = ? AND remote_jid = ? AND channel_id = ?", chat.TeamID, chat.RemoteJID, chat.ChannelID).
		First(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("reload chat: %w", err)
	}
	return &stored, nil
}

func insertMessage(tx *gorm.DB, chat *models.Chat, msg *models.Message, preview string) (bool, error) {
	msg.ChatID = chat.ID
	msg.TeamID = chat.TeamID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("insert message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	ts := msg.Timestamp
	projection := map[string]interface{}{
		"last_message_id":      msg.ID,
		"last_message":         preview,
		"last_message_at":      ts,
		"last_message_from_me": msg.FromMe,
		"last_message_status":  msg.Status,
	}
	if !msg.FromMe && !msg.IsInternalNote {
		projection["unread_count"] = gorm.Expr("unread_count + ?", 1)
		projection["last_customer_interaction_at"] = ts
	}
	err := tx.Model(&models.Chat{}).Where("id = ?", chat.ID).Updates(projection).Error
	if err != nil {
		return false, fmt.Errorf("update chat projection: %w", err)
	}
	return true, nil
}

// AdvanceMessageStatus moves an outbound message to status only when the
// new weight is strictly greater than the stored one. The returned bool
// reports whether a row changed.
func (s *Store) AdvanceMessageStatus(ctx context.Context, messageID string, status models.MessageStatus) (*models.Message, bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Message{}).
		Where("id = ? AND from_me = ? AND status < ?", messageID, true, status).
		Update("status", status)
	if res.Error != nil {
		return nil, false, fmt.Errorf("advance status of %s: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	var msg models.Message
	if err := db.First(&msg, "id = ?", messageID).Error; err != nil {
		return nil, false, fmt.Errorf("reload message: %w", notFound(err))
	}
	return &msg, true, nil
}

// AdvanceChatStatus mirrors a message status advance onto the chat list
// projection when messageID is still the chat's latest message.
func (s *Store) AdvanceChatStatus(ctx context.Context, chatID, messageID string, status models.MessageStatus) (*models.Chat, bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Chat{}).
		Where("id = ? AND last_message_id = ? AND last_message_status < ?", chatID, messageID, status).
		Update("last_message_status", status)
	if res.Error != nil {
		return nil, false, fmt.Errorf("advance chat status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	var chat models.Chat
	if err := db.First(&chat, "id = ?", chatID).Error; err != nil {
		return nil, false, fmt.Errorf("reload chat: %w", notFound(err))
	}
	return &chat, true, nil
}

// UpdateProfilePicture sets the picture on every chat with the peer on
// the channel and returns the chats that changed.
func (s *Store) UpdateProfilePicture(ctx context.Context, channelID, remoteJID, url string) ([]models.Chat, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Chat{}).
		Where("channel_id = ? AND remote_jid = ? AND profile_pic_url <> ?", channelID, remoteJID, url).
		Update("profile_pic_url", url)
	if res.Error != nil {
		return nil, fmt.Errorf("update profile picture: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var chats []models.Chat
	if err := db.Where("channel_id = ? AND remote_jid = ?", channelID, remoteJID).Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("reload chats: %w", err)
	}
	return chats, nil
}

func (s *Store) Chat(ctx context.Context, id string) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &chat, nil
}

// ChatMessages returns the newest limit messages of a chat, oldest first.
func (s *Store) ChatMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) Message(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

func (s *Store) ResetUnread(ctx context.Context, chatID string) error {
	err := s.db.WithContext(ctx).Model(&models.Chat{}).
		Where("id = ?", chatID).
		Update("unread_count", 0).Error
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}
