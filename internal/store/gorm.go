package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fuomag9/linkrelay/internal/models"
)

// GormStore keeps codes and links in SQL tables
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GORM-backed store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) SaveCode(ctx context.Context, code models.LinkingCode) error {
	// Last issued wins on a code collision
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&code).Error
	if err != nil {
		return fmt.Errorf("failed to save code: %w", err)
	}
	return nil
}

// TakeCode reads the row and then deletes it; only the caller whose DELETE
// removes the row gets the code, so concurrent takers cannot both win.
func (s *GormStore) TakeCode(ctx context.Context, code string) (models.LinkingCode, error) {
	db := s.db.WithContext(ctx)

	var rec models.LinkingCode
	if err := db.Where("code = ?", code).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.LinkingCode{}, ErrNotFound
		}
		return models.LinkingCode{}, fmt.Errorf("failed to load code: %w", err)
	}

	result := db.Where("code = ?", code).Delete(&models.LinkingCode{})
	if result.Error != nil {
		return models.LinkingCode{}, fmt.Errorf("failed to delete code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.LinkingCode{}, ErrNotFound
	}
	return rec, nil
}

func (s *GormStore) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.LinkingCode{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) PutLink(ctx context.Context, link models.IdentityLink) error {
	link.UpdatedAt = time.Time{}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chat_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "access_token", "refresh_token", "access_expires_at", "last_attempt_id", "updated_at",
			}),
		}).
		Create(&link).Error
	if err != nil {
		return fmt.Errorf("failed to save link: %w", err)
	}
	return nil
}

func (s *GormStore) GetLink(ctx context.Context, chatID int64) (models.IdentityLink, error) {
	var link models.IdentityLink
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.IdentityLink{}, ErrNotFound
	}
	if err != nil {
		return models.IdentityLink{}, fmt.Errorf("failed to load link: %w", err)
	}
	return link, nil
}

func (s *GormStore) FindLinkByUserID(ctx context.Context, userID string) (models.IdentityLink, error) {
	var link models.IdentityLink
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("chat_id").First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.IdentityLink{}, ErrNotFound
	}
	if err != nil {
		return models.IdentityLink{}, fmt.Errorf("failed to find link: %w", err)
	}
	return link, nil
}

func (s *GormStore) DeleteLink(ctx context.Context, chatID int64) error {
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&models.IdentityLink{}).Error; err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

func (s *GormStore) ListLinks(ctx context.Context) ([]models.IdentityLink, error) {
	var links []models.IdentityLink
	if err := s.db.WithContext(ctx).Order("chat_id").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return links, nil
}

func (s *GormStore) UpdateCredentials(ctx context.Context, chatID int64, creds models.Credentials) error {
	return s.updateLink(ctx, chatID, map[string]interface{}{
		"access_token":      creds.AccessToken,
		"refresh_token":     creds.RefreshToken,
		"access_expires_at": creds.AccessExpiresAt,
	})
}

func (s *GormStore) SetLastAttempt(ctx context.Context, chatID int64, attemptID string) error {
	return s.updateLink(ctx, chatID, map[string]interface{}{
		"last_attempt_id": attemptID,
	})
}

func (s *GormStore) updateLink(ctx context.Context, chatID int64, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).
		Model(&models.IdentityLink{}).
		Where("chat_id = ?", chatID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update link: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
