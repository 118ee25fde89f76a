package database

import (
	"context"
	"fmt"

	"whatsapp-inbox/internal/models"

	"gorm.io/gorm"
)

// Store is the persistence gateway shared by every core component.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) ChannelByInstance(ctx context.Context, name string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.WithContext(ctx).
		Where("protocol = ? AND name = ?", models.ProtocolGateway, name).
		First(&ch).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ch, nil
}

func (s *Store) ChannelByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.WithContext(ctx).
		Where("phone_number_id = ?", phoneNumberID).
		Order("created_at").
		First(&ch).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ch, nil
}

func (s *Store) Channel(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).First(&ch, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ch, nil
}

func (s *Store) CreateChannel(ctx context.Context, ch *models.Channel) error {
	if err := s.db.WithContext(ctx).Create(ch).Error; err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *Store) SetConnectionState(ctx context.Context, channelID, state string) error {
	err := s.db.WithContext(ctx).Model(&models.Channel{}).
		Where("id = ?", channelID).
		Update("connection_state", state).Error
	if err != nil {
		return fmt.Errorf("update connection state: %w", err)
	}
	return nil
}
