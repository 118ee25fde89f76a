package database

import (
	"context"
	"fmt"

	"whatsapp-inbox/internal/models"

	"gorm.io/datatypes"
)

// ActiveDefinitions returns the candidates for trigger matching on a
// channel, in definition order.
func (s *Store) ActiveDefinitions(ctx context.Context, teamID, channelID string) ([]models.AutomationDefinition, error) {
	var defs []models.AutomationDefinition
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND is_active = ?", teamID, true).
		Where("channel_id IS NULL OR channel_id = ?", channelID).
		Order("position, created_at").
		Find(&defs).Error
	if err != nil {
		return nil, fmt.Errorf("list active definitions: %w", err)
	}
	return defs, nil
}

func (s *Store) Definitions(ctx context.Context, teamID string) ([]models.AutomationDefinition, error) {
	var defs []models.AutomationDefinition
	err := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("position, created_at").
		Find(&defs).Error
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return defs, nil
}

// AllDefinitions lists the definitions of every team.
func (s *Store) AllDefinitions(ctx context.Context) ([]models.AutomationDefinition, error) {
	var defs []models.AutomationDefinition
	if err := s.db.WithContext(ctx).Order("team_id, position, created_at").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("list all definitions: %w", err)
	}
	return defs, nil
}

func (s *Store) Definition(ctx context.Context, id string) (*models.AutomationDefinition, error) {
	var def models.AutomationDefinition
	if err := s.db.WithContext(ctx).First(&def, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &def, nil
}

func (s *Store) CreateDefinition(ctx context.Context, def *models.AutomationDefinition) error {
	if err := s.db.WithContext(ctx).Create(def).Error; err != nil {
		return fmt.Errorf("create definition: %w", err)
	}
	return nil
}

func (s *Store) SaveDefinition(ctx context.Context, def *models.AutomationDefinition) error {
	if err := s.db.WithContext(ctx).Save(def).Error; err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.AutomationDefinition{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete definition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationDefinition{}).
		Where("id = ?", id).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("toggle definition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ActiveSession(ctx context.Context, chatID string) (*models.AutomationSession, error) {
	var sess models.AutomationSession
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND status = ?", chatID, models.SessionActive).
		First(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (s *Store) Session(ctx context.Context, id string) (*models.AutomationSession, error) {
	var sess models.AutomationSession
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// CreateSession inserts a new active session. A concurrent creation for
// the same chat loses against the partial unique index.
func (s *Store) CreateSession(ctx context.Context, sess *models.AutomationSession) error {
	sess.Status = models.SessionActive
	err := s.db.WithContext(ctx).Create(sess).Error
	if IsUniqueViolation(err) {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// MoveSession repositions an active session from fromNodeID to toNodeID and
// stores vars. It fails with ErrStaleSession if the session is no longer
// at fromNodeID.
func (s *Store) MoveSession(ctx context.Context, sess *models.AutomationSession, fromNodeID, toNodeID string, vars map[string]string) error {
	variables := datatypes.NewJSONType(vars)
	res := s.db.WithContext(ctx).Model(&models.AutomationSession{}).
		Where("id = ? AND current_node_id = ? AND status = ?", sess.ID, fromNodeID, models.SessionActive).
		Updates(map[string]interface{}{
			"current_node_id": toNodeID,
			"variables":       variables,
		})
	if res.Error != nil {
		return fmt.Errorf("move session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleSession
	}
	sess.CurrentNodeID = toNodeID
	sess.Variables = variables
	return nil
}

// CompleteSession closes an active session still positioned at nodeID.
// Non-nil vars are stored with it; nil leaves the variables untouched.
func (s *Store) CompleteSession(ctx context.Context, sess *models.AutomationSession, nodeID string, vars map[string]string) error {
	updates := map[string]interface{}{"status": models.SessionCompleted}
	if vars != nil {
		updates["variables"] = datatypes.NewJSONType(vars)
	}
	res := s.db.WithContext(ctx).Model(&models.AutomationSession{}).
		Where("id = ? AND current_node_id = ? AND status = ?", sess.ID, nodeID, models.SessionActive).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("complete session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleSession
	}
	sess.Status = models.SessionCompleted
	if vars != nil {
		sess.Variables = datatypes.NewJSONType(vars)
	}
	return nil
}
