package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/permissions"
	"github.com/charlesng35/bucketcast/internal/relay"
	"github.com/charlesng35/bucketcast/pkg/crypto"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

const accessTokenSecretBytes = 32

// MintTokenInput describes a new System Access Token.
type MintTokenInput struct {
	Name      string
	Scopes    []string
	MaxCalls  int64
	ExpiresAt *time.Time
}

// MintedToken carries the bearer, which is only ever shown once.
type MintedToken struct {
	Token  string                    `json:"token"`
	Record *models.SystemAccessToken `json:"record"`
}

// AccessTokenService mints and lists System Access Tokens. Platform admins
// only.
type AccessTokenService struct {
	db *gorm.DB
}

func NewAccessTokenService(db *gorm.DB) (*AccessTokenService, error) {
	if db == nil {
		return nil, errors.New("access token service: db is required")
	}
	return &AccessTokenService{db: db}, nil
}

func (s *AccessTokenService) Mint(ctx context.Context, actor permissions.Actor, input MintTokenInput) (*MintedToken, error) {
	if !actor.IsAdmin {
		return nil, apperrors.ErrForbidden
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("name is required")
	}
	if input.MaxCalls < 0 {
		return nil, apperrors.NewBadRequest("max_calls cannot be negative")
	}
	scopes := normaliseIDs(input.Scopes)
	if len(scopes) == 0 {
		scopes = []string{models.ScopePassthrough}
	}

	secret, err := crypto.GenerateToken(accessTokenSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("access token service: secret: %w", err)
	}
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("access token service: hash: %w", err)
	}

	createdBy := actor.UserID
	record := &models.SystemAccessToken{
		Name:        name,
		TokenHash:   hash,
		Scopes:      datatypes.JSONSlice[string](scopes),
		MaxCalls:    input.MaxCalls,
		ExpiresAt:   input.ExpiresAt,
		CreatedByID: &createdBy,
	}
	if err := s.db.WithContext(ensureContext(ctx)).Create(record).Error; err != nil {
		return nil, fmt.Errorf("access token service: create: %w", err)
	}
	return &MintedToken{Token: relay.FormatToken(record.ID, secret), Record: record}, nil
}

func (s *AccessTokenService) List(ctx context.Context, actor permissions.Actor) ([]models.SystemAccessToken, error) {
	if !actor.IsAdmin {
		return nil, apperrors.ErrForbidden
	}
	var tokens []models.SystemAccessToken
	if err := s.db.WithContext(ensureContext(ctx)).Order("created_at ASC").Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("access token service: list: %w", err)
	}
	return tokens, nil
}

// Disable stops a token from authenticating.
func (s *AccessTokenService) Disable(ctx context.Context, actor permissions.Actor, tokenID string) error {
	if !actor.IsAdmin {
		return apperrors.ErrForbidden
	}
	res := s.db.WithContext(ensureContext(ctx)).Model(&models.SystemAccessToken{}).
		Where("id = ? AND disabled_at IS NULL", tokenID).
		Update("disabled_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("access token service: disable: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFound("access token")
	}
	return nil
}
