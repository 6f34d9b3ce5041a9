package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kilnhq/kiln/internal/model"
)

// --- Agents ---

// CreateAgent creates an agent. The first agent in a project becomes the
// default automatically.
func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Agent{}).Where("project_id = ?", agent.ProjectID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			agent.IsDefault = true
		}
		return translateError(tx.Create(agent).Error)
	})
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &agent, nil
}

// ListAgents returns all agents in a project.
func (s *Store) ListAgents(ctx context.Context, projectID string) ([]model.Agent, error) {
	var agents []model.Agent
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&agents).Error
	return agents, err
}

// GetDefaultAgent returns the project's default agent, or ErrNotFound when
// none is configured.
func (s *Store) GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error) {
	var agent model.Agent
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND is_default = ?", projectID, true).
		First(&agent).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &agent, nil
}

// SetDefaultAgent makes the given agent the single default of its project.
func (s *Store) SetDefaultAgent(ctx context.Context, projectID, agentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent model.Agent
		if err := tx.First(&agent, "id = ? AND project_id = ?", agentID, projectID).Error; err != nil {
			return translateError(err)
		}
		if err := tx.Model(&model.Agent{}).
			Where("project_id = ? AND id <> ?", projectID, agentID).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Model(&model.Agent{}).
			Where("id = ?", agentID).
			Update("is_default", true).Error
	})
}

// DeleteAgent removes an agent and nulls the agent reference on sessions
// that used it.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Session{}).
			Where("agent_id = ?", id).
			Update("agent_id", nil).Error; err != nil {
			return err
		}
		result := tx.Delete(&model.Agent{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- Credentials ---

// UpsertCredential creates or replaces the credential for (project, provider).
func (s *Store) UpsertCredential(ctx context.Context, cred *model.Credential) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(cred).Error
}

// GetCredential returns the credential for (project, provider).
func (s *Store) GetCredential(ctx context.Context, projectID, provider string) (*model.Credential, error) {
	var cred model.Credential
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND provider = ?", projectID, provider).
		First(&cred).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &cred, nil
}

// ListCredentials returns all credentials in a project. Data stays encrypted.
func (s *Store) ListCredentials(ctx context.Context, projectID string) ([]model.Credential, error) {
	var creds []model.Credential
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Find(&creds).Error
	return creds, err
}

// DeleteCredential removes the credential for (project, provider).
func (s *Store) DeleteCredential(ctx context.Context, projectID, provider string) error {
	result := s.db.WithContext(ctx).
		Delete(&model.Credential{}, "project_id = ? AND provider = ?", projectID, provider)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- User preferences ---

// SetUserPreference upserts one key/value pair.
func (s *Store) SetUserPreference(ctx context.Context, userID, key, value string) error {
	pref := &model.UserPreference{UserID: userID, Key: key, Value: value}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(pref).Error
}

// ListUserPreferences returns all preferences for a user.
func (s *Store) ListUserPreferences(ctx context.Context, userID string) ([]model.UserPreference, error) {
	var prefs []model.UserPreference
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("key ASC").
		Find(&prefs).Error
	return prefs, err
}

// --- Messages ---

// CreateMessage appends one transcript entry.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

// ListMessages returns a session's transcript in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	var messages []model.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&messages).Error
	return messages, err
}

// DeleteMessages drops a session's transcript.
func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&model.Message{}).Error
}

// --- Terminal history ---

// AppendTerminalHistory persists a chunk of terminal output.
func (s *Store) AppendTerminalHistory(ctx context.Context, sessionID string, data []byte) error {
	return s.db.WithContext(ctx).Create(&model.TerminalHistory{
		SessionID: sessionID,
		Data:      data,
	}).Error
}

// ListTerminalHistory returns a session's scrollback in order.
func (s *Store) ListTerminalHistory(ctx context.Context, sessionID string, limit int) ([]model.TerminalHistory, error) {
	var rows []model.TerminalHistory
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
