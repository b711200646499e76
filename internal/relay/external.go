package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/bucketcast/internal/database"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/pkg/crypto"
	"github.com/charlesng35/bucketcast/pkg/logger"
)

// ErrNoCredentials is returned when the bucket owner has not stored
// credentials for the external system type.
var ErrNoCredentials = errors.New("relay: external system credentials missing")

// Credentials are stored sealed in the owner's UserSetting under
// models.CredentialsKey.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ExternalPublisher mirrors messages into ntfy or Gotify servers.
type ExternalPublisher struct {
	db     *gorm.DB
	sealer *crypto.Sealer
	http   *http.Client
	tracer trace.Tracer
	log    *zap.Logger
}

// NewExternalPublisher returns a publisher. A nil sealer means stored
// credentials are plain JSON.
func NewExternalPublisher(db *gorm.DB, sealer *crypto.Sealer, hc *http.Client) *ExternalPublisher {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &ExternalPublisher{
		db:     db,
		sealer: sealer,
		http:   hc,
		tracer: otel.Tracer("relay.external"),
		log:    logger.WithModule("relay"),
	}
}

// SaveCredentials seals and stores credentials for userID.
func (p *ExternalPublisher) SaveCredentials(ctx context.Context, userID string, system models.ExternalSystemType, creds Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	value := string(raw)
	if p.sealer != nil {
		if value, err = p.sealer.Seal(raw); err != nil {
			return fmt.Errorf("relay: seal credentials: %w", err)
		}
	}
	return database.UpsertUserSetting(ctx, p.db, userID, models.CredentialsKey(system), value)
}

func (p *ExternalPublisher) credentials(ctx context.Context, userID string, system models.ExternalSystemType) (Credentials, error) {
	value, err := database.GetUserSetting(ctx, p.db, userID, models.CredentialsKey(system))
	if err != nil {
		return Credentials{}, err
	}
	if value == "" {
		return Credentials{}, ErrNoCredentials
	}
	raw := []byte(value)
	if p.sealer != nil {
		if raw, err = p.sealer.Open(value); err != nil {
			return Credentials{}, fmt.Errorf("relay: open credentials: %w", err)
		}
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("relay: decode credentials: %w", err)
	}
	return creds, nil
}

// Publish forwards msg to the bucket's external system and returns a summary
// suitable for Message.ExternalSystemResponse. The bucket must have its
// ExternalNotifySystem loaded.
func (p *ExternalPublisher) Publish(ctx context.Context, bucket *models.Bucket, msg *models.Message) (map[string]any, error) {
	system := bucket.ExternalNotifySystem
	if system == nil {
		return nil, nil
	}
	ctx, span := p.tracer.Start(ctx, "relay.external", trace.WithAttributes(
		attribute.String("external.type", string(system.Type)),
		attribute.String("bucket.id", bucket.ID),
	))
	defer span.End()

	summary := map[string]any{"system_id": system.ID, "type": string(system.Type)}

	creds, err := p.credentials(ctx, bucket.OwnerID, system.Type)
	if err != nil && !errors.Is(err, ErrNoCredentials) {
		summary["success"] = false
		summary["error"] = err.Error()
		span.RecordError(err)
		return summary, err
	}

	var req *http.Request
	switch system.Type {
	case models.ExternalNtfy:
		req, err = ntfyRequest(ctx, system.BaseURL, bucket.ExternalSystemChannel, msg, creds)
	case models.ExternalGotify:
		req, err = gotifyRequest(ctx, system.BaseURL, msg, creds)
	default:
		err = fmt.Errorf("relay: unsupported external system %q", system.Type)
	}
	if err != nil {
		summary["success"] = false
		summary["error"] = err.Error()
		span.RecordError(err)
		return summary, err
	}

	start := time.Now()
	resp, err := p.http.Do(req)
	if err != nil {
		summary["success"] = false
		summary["error"] = err.Error()
		span.RecordError(err)
		p.log.Warn("external publish failed", zap.String("system_id", system.ID), zap.Error(err))
		return summary, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	summary["status"] = resp.StatusCode
	summary["duration_ms"] = time.Since(start).Milliseconds()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		summary["success"] = false
		summary["error"] = string(bytes.TrimSpace(raw))
		err := fmt.Errorf("%w: %s returned %d", ErrRemote, system.Type, resp.StatusCode)
		span.RecordError(err)
		return summary, err
	}
	summary["success"] = true
	return summary, nil
}

func ntfyRequest(ctx context.Context, baseURL, channel string, msg *models.Message, creds Credentials) (*http.Request, error) {
	channel = strings.Trim(strings.TrimSpace(channel), "/")
	if channel == "" {
		return nil, errors.New("relay: ntfy topic is required")
	}
	target, err := url.JoinPath(baseURL, channel)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(messageText(msg)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Title", msg.Title)
	req.Header.Set("Priority", strconv.Itoa(ntfyPriority(msg.DeliveryType)))
	if tags := ntfyTags(msg.DeliveryType); tags != "" {
		req.Header.Set("Tags", tags)
	}
	switch {
	case creds.Token != "":
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	case creds.Username != "":
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	return req, nil
}

func gotifyRequest(ctx context.Context, baseURL string, msg *models.Message, creds Credentials) (*http.Request, error) {
	if creds.Token == "" {
		return nil, ErrNoCredentials
	}
	target, err := url.JoinPath(baseURL, "message")
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"title":    msg.Title,
		"message":  messageText(msg),
		"priority": gotifyPriority(msg.DeliveryType),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gotify-Key", creds.Token)
	return req, nil
}

func messageText(msg *models.Message) string {
	if msg.Subtitle == "" {
		return msg.Body
	}
	if msg.Body == "" {
		return msg.Subtitle
	}
	return msg.Subtitle + "\n" + msg.Body
}

func ntfyPriority(t models.DeliveryType) int {
	switch t {
	case models.DeliverySilent:
		return 1
	case models.DeliveryCritical:
		return 5
	default:
		return 3
	}
}

func ntfyTags(t models.DeliveryType) string {
	if t == models.DeliveryCritical {
		return "rotating_light"
	}
	return ""
}

func gotifyPriority(t models.DeliveryType) int {
	switch t {
	case models.DeliverySilent:
		return 0
	case models.DeliveryCritical:
		return 10
	default:
		return 5
	}
}
