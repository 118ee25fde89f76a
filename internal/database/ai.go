package database

import (
	"context"
	"fmt"

	"whatsapp-inbox/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

func (s *Store) AIConfig(ctx context.Context, teamID string) (*models.AIConfig, error) {
	var cfg models.AIConfig
	if err := s.db.WithContext(ctx).First(&cfg, "team_id = ?", teamID).Error; err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

func (s *Store) SaveAIConfig(ctx context.Context, cfg *models.AIConfig) error {
	if err := s.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return fmt.Errorf("save ai config: %w", err)
	}
	return nil
}

func (s *Store) AISession(ctx context.Context, chatID string) (*models.AISession, error) {
	var sess models.AISession
	if err := s.db.WithContext(ctx).First(&sess, "chat_id = ?", chatID).Error; err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// SetAIStatus creates the chat's AI session or updates its status,
// keeping any stored history.
func (s *Store) SetAIStatus(ctx context.Context, chat *models.Chat, status string) (*models.AISession, error) {
	db := s.db.WithContext(ctx)
	sess := models.AISession{
		ChatID:  chat.ID,
		TeamID:  chat.TeamID,
		Status:  status,
		History: datatypes.NewJSONType([]models.AITurn{}),
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&sess).Error
	if err != nil {
		return nil, fmt.Errorf("set ai status: %w", err)
	}
	return s.AISession(ctx, chat.ID)
}

// SaveAIHistory persists the history of an AI session. The stored status
// is not touched so a concurrent pause is never reverted.
func (s *Store) SaveAIHistory(ctx context.Context, sess *models.AISession) error {
	err := s.db.WithContext(ctx).Model(&models.AISession{}).
		Where("chat_id = ?", sess.ChatID).
		Update("history", sess.History).Error
	if err != nil {
		return fmt.Errorf("save ai history: %w", err)
	}
	return nil
}

func (s *Store) ActiveTools(ctx context.Context, teamID string) ([]models.AITool, error) {
	var tools []models.AITool
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND is_active = ?", teamID, true).
		Order("name").
		Find(&tools).Error
	if err != nil {
		return nil, fmt.Errorf("list ai tools: %w", err)
	}
	return tools, nil
}

func (s *Store) CreateAITool(ctx context.Context, tool *models.AITool) error {
	if err := s.db.WithContext(ctx).Create(tool).Error; err != nil {
		return fmt.Errorf("create ai tool: %w", err)
	}
	return nil
}
