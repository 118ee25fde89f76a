package database

import (
	"context"
	"errors"
	"fmt"

	"whatsapp-inbox/internal/models"

	"gorm.io/gorm"
)

// ContactUpdate carries the fields a save_contact step may change. Nil
// pointers leave the stored value as is.
type ContactUpdate struct {
	Phone           string
	Name            string
	AssignedAgentID *string
	PipelineStageID *string
	TagID           *string
}

// ContactForChat loads the contact linked to a chat with its tags. A chat
// without a contact yields (nil, nil).
func (s *Store) ContactForChat(ctx context.Context, chat *models.Chat) (*models.Contact, error) {
	if chat.ContactID == nil {
		return nil, nil
	}
	var contact models.Contact
	err := s.db.WithContext(ctx).Preload("Tags").First(&contact, "id = ?", *chat.ContactID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	return &contact, nil
}

// SaveContact upserts the contact for (team, phone), applies upd and links
// the chat to it, all in one transaction.
func (s *Store) SaveContact(ctx context.Context, chat *models.Chat, upd ContactUpdate) (*models.Contact, error) {
	var contact models.Contact
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("team_id = ? AND phone = ?", chat.TeamID, upd.Phone).First(&contact).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			contact = models.Contact{TeamID: chat.TeamID, Phone: upd.Phone}
		case err != nil:
			return fmt.Errorf("find contact: %w", err)
		}

		if upd.Name != "" {
			contact.Name = upd.Name
		}
		if upd.AssignedAgentID != nil {
			contact.AssignedAgentID = upd.AssignedAgentID
		}
		if upd.PipelineStageID != nil {
			contact.PipelineStageID = upd.PipelineStageID
		}
		if err := tx.Omit("Tags").Save(&contact).Error; err != nil {
			return fmt.Errorf("save contact: %w", err)
		}

		if upd.TagID != nil {
			var tag models.Tag
			if err := tx.Where("id = ? AND team_id = ?", *upd.TagID, chat.TeamID).First(&tag).Error; err != nil {
				return fmt.Errorf("load tag %s: %w", *upd.TagID, notFound(err))
			}
			if err := tx.Model(&contact).Association("Tags").Append(&tag); err != nil {
				return fmt.Errorf("tag contact: %w", err)
			}
		}

		err = tx.Model(&models.Chat{}).Where("id = ?", chat.ID).Update("contact_id", contact.ID).Error
		if err != nil {
			return fmt.Errorf("link chat: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	chat.ContactID = &contact.ID
	return &contact, nil
}

// Contacts lists a team's contacts with their tags, newest first.
func (s *Store) Contacts(ctx context.Context, teamID string) ([]models.Contact, error) {
	var contacts []models.Contact
	err := s.db.WithContext(ctx).
		Preload("Tags").
		Where("team_id = ?", teamID).
		Order("created_at DESC").
		Find(&contacts).Error
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

func (s *Store) CreateTag(ctx context.Context, tag *models.Tag) error {
	if err := s.db.WithContext(ctx).Create(tag).Error; err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}
