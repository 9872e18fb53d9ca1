package credential

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"realty-mail-engine/internal/model"
)

// GormStore persists credentials in the session_credentials table
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, sessionID string) (*model.Credential, error) {
	var row model.StoredCredential
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	cred := row.Credential()
	return &cred, nil
}

func (s *GormStore) Set(ctx context.Context, sessionID string, cred model.Credential) error {
	row := model.StoredCredential{
		SessionID:     sessionID,
		AccessToken:   cred.AccessToken,
		RefreshToken:  cred.RefreshToken,
		ExpiresAt:     cred.ExpiresAt,
		Scope:         cred.Scope,
		IdentityEmail: cred.IdentityEmail,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "scope", "identity_email", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *GormStore) Replace(ctx context.Context, sessionID, prevRefreshToken string, cred model.Credential) error {
	res := s.db.WithContext(ctx).Model(&model.StoredCredential{}).
		Where("session_id = ? AND refresh_token = ?", sessionID, prevRefreshToken).
		Updates(map[string]interface{}{
			"access_token":   cred.AccessToken,
			"refresh_token":  cred.RefreshToken,
			"expires_at":     cred.ExpiresAt,
			"scope":          cred.Scope,
			"identity_email": cred.IdentityEmail,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to replace credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&model.StoredCredential{}).Error; err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}
