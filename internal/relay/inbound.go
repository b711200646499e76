package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/pkg/crypto"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

// TokenPrefix starts every System Access Token bearer.
const TokenPrefix = "sat_"

// FormatToken builds the bearer presented by relay clients.
func FormatToken(id, secret string) string {
	return TokenPrefix + id + "." + secret
}

// ParseToken splits a sat_<id>.<secret> bearer.
func ParseToken(raw string) (id, secret string, ok bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, TokenPrefix) {
		return "", "", false
	}
	id, secret, ok = strings.Cut(strings.TrimPrefix(raw, TokenPrefix), ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// Inbound authenticates and meters calls made to this server's relay
// endpoint.
type Inbound struct {
	db  *gorm.DB
	now func() time.Time
}

func NewInbound(db *gorm.DB) (*Inbound, error) {
	if db == nil {
		return nil, errors.New("relay inbound: db is required")
	}
	return &Inbound{db: db, now: time.Now}, nil
}

// Authenticate resolves a bearer to an enabled token carrying the
// passthrough scope.
func (in *Inbound) Authenticate(ctx context.Context, bearer string) (*models.SystemAccessToken, error) {
	id, secret, ok := ParseToken(bearer)
	if !ok {
		return nil, apperrors.ErrRelayTokenInvalid
	}

	var token models.SystemAccessToken
	if err := in.db.WithContext(ctx).Take(&token, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrRelayTokenInvalid
		}
		return nil, fmt.Errorf("relay inbound: load token: %w", err)
	}
	if !crypto.VerifySecret(token.TokenHash, secret) {
		return nil, apperrors.ErrRelayTokenInvalid
	}
	if !token.Usable(in.now()) || !token.HasScope(models.ScopePassthrough) {
		return nil, apperrors.ErrRelayTokenInvalid.WithMessage("Token is disabled, expired or lacks the passthrough scope")
	}
	return &token, nil
}

// Consume takes one call from the token's window. The increment and the
// limit check are a single conditional UPDATE so concurrent callers cannot
// overshoot max_calls.
func (in *Inbound) Consume(ctx context.Context, token *models.SystemAccessToken) (Usage, error) {
	now := in.now().UTC()
	res := in.db.WithContext(ctx).Model(&models.SystemAccessToken{}).
		Where("id = ? AND (max_calls = 0 OR total_calls < max_calls)", token.ID).
		Updates(map[string]any{
			"total_calls":  gorm.Expr("total_calls + 1"),
			"last_used_at": now,
		})
	if res.Error != nil {
		return Usage{}, fmt.Errorf("relay inbound: consume: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		if err := in.RecordFailure(ctx, token.ID, "quota exhausted"); err != nil {
			return Usage{}, err
		}
		usage, err := in.usage(ctx, token.ID)
		if err != nil {
			return Usage{}, err
		}
		return usage, apperrors.ErrQuotaExhausted
	}
	return in.usage(ctx, token.ID)
}

// RecordFailure counts a failed call against the token.
func (in *Inbound) RecordFailure(ctx context.Context, tokenID, reason string) error {
	err := in.db.WithContext(ctx).Model(&models.SystemAccessToken{}).
		Where("id = ?", tokenID).
		Updates(map[string]any{
			"failed_calls":        gorm.Expr("failed_calls + 1"),
			"total_failed_calls":  gorm.Expr("total_failed_calls + 1"),
			"last_failure_reason": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("relay inbound: record failure: %w", err)
	}
	return nil
}

// Usage reports the token's current window.
func (in *Inbound) Usage(ctx context.Context, tokenID string) (Usage, error) {
	return in.usage(ctx, tokenID)
}

func (in *Inbound) usage(ctx context.Context, tokenID string) (Usage, error) {
	var token models.SystemAccessToken
	if err := in.db.WithContext(ctx).Take(&token, "id = ?", tokenID).Error; err != nil {
		return Usage{}, fmt.Errorf("relay inbound: load usage: %w", err)
	}
	return UsageOf(&token, in.now()), nil
}

// UsageOf converts a token row into the header representation. The window
// resets at the start of the month after now.
func UsageOf(token *models.SystemAccessToken, now time.Time) Usage {
	u := Usage{
		TotalCalls:  token.TotalCalls,
		MaxCalls:    token.MaxCalls,
		Remaining:   token.Remaining(),
		FailedCalls: token.FailedCalls,
	}
	if token.MaxCalls > 0 {
		reset := NextWindowReset(now)
		u.ResetAt = &reset
	}
	return u
}

// NextWindowReset returns the first instant of the month after t, in UTC.
func NextWindowReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// ResetWindows starts a new quota window for every token.
func ResetWindows(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&models.SystemAccessToken{}).
		Where("1 = 1").
		Updates(map[string]any{
			"total_calls":   0,
			"failed_calls":  0,
			"last_reset_at": now.UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("relay: reset token windows: %w", res.Error)
	}
	return res.RowsAffected, nil
}
