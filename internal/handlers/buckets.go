package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/middleware"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/services"
	"github.com/charlesng35/bucketcast/pkg/response"
)

// BucketHandler exposes bucket management, sharing and per-bucket inboxes.
type BucketHandler struct {
	buckets       *services.BucketService
	shares        *services.ShareService
	notifications *services.NotificationService
}

func NewBucketHandler(buckets *services.BucketService, shares *services.ShareService, notifications *services.NotificationService) *BucketHandler {
	return &BucketHandler{buckets: buckets, shares: shares, notifications: notifications}
}

type createBucketRequest struct {
	Name                   string                            `json:"name" validate:"required,max=255"`
	Description            string                            `json:"description" validate:"max=2000"`
	IconURL                string                            `json:"icon_url" validate:"omitempty,url"`
	Preset                 string                            `json:"preset" validate:"max=64"`
	Visibility             string                            `json:"visibility" validate:"omitempty,bucket_visibility"`
	ExternalNotifySystemID *string                           `json:"external_notify_system_id"`
	ExternalSystemChannel  string                            `json:"external_system_channel" validate:"max=255"`
	Templates              map[string]models.MessageTemplate `json:"templates"`
	MagicCode              bool                              `json:"magic_code"`
}

type updateBucketRequest struct {
	Name                   *string                           `json:"name" validate:"omitempty,max=255"`
	Description            *string                           `json:"description" validate:"omitempty,max=2000"`
	IconURL                *string                           `json:"icon_url" validate:"omitempty,url"`
	Preset                 *string                           `json:"preset" validate:"omitempty,max=64"`
	Visibility             *string                           `json:"visibility" validate:"omitempty,bucket_visibility"`
	ExternalNotifySystemID *string                           `json:"external_notify_system_id"`
	ExternalSystemChannel  *string                           `json:"external_system_channel" validate:"omitempty,max=255"`
	Templates              map[string]models.MessageTemplate `json:"templates"`
	RotateMagicCode        bool                              `json:"rotate_magic_code"`
	ClearMagicCode         bool                              `json:"clear_magic_code"`
}

type grantRequest struct {
	UserID      string     `json:"user_id" validate:"required"`
	Permissions []string   `json:"permissions" validate:"required,min=1,dive,bucket_permission"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// Create POST /api/buckets
func (h *BucketHandler) Create(c *gin.Context) {
	var req createBucketRequest
	if !bindAndValidate(c, &req) {
		return
	}

	view, err := h.buckets.Create(requestContext(c), middleware.Actor(c), services.CreateBucketInput{
		Name:                   req.Name,
		Description:            req.Description,
		IconURL:                req.IconURL,
		Preset:                 req.Preset,
		Visibility:             req.Visibility,
		ExternalNotifySystemID: req.ExternalNotifySystemID,
		ExternalSystemChannel:  req.ExternalSystemChannel,
		Templates:              req.Templates,
		WithMagicCode:          req.MagicCode,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, view)
}

// List GET /api/buckets
func (h *BucketHandler) List(c *gin.Context) {
	views, err := h.buckets.List(requestContext(c), middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, views, &response.Meta{Total: int64(len(views))})
}

// Get GET /api/buckets/:id
func (h *BucketHandler) Get(c *gin.Context) {
	view, err := h.buckets.Get(requestContext(c), middleware.Actor(c), pathID(c, "id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// Update PATCH /api/buckets/:id
func (h *BucketHandler) Update(c *gin.Context) {
	var req updateBucketRequest
	if !bindAndValidate(c, &req) {
		return
	}

	view, err := h.buckets.Update(requestContext(c), middleware.Actor(c), pathID(c, "id"), services.UpdateBucketInput{
		Name:                   req.Name,
		Description:            req.Description,
		IconURL:                req.IconURL,
		Preset:                 req.Preset,
		Visibility:             req.Visibility,
		ExternalNotifySystemID: req.ExternalNotifySystemID,
		ExternalSystemChannel:  req.ExternalSystemChannel,
		Templates:              req.Templates,
		RotateMagicCode:        req.RotateMagicCode,
		ClearMagicCode:         req.ClearMagicCode,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// Delete DELETE /api/buckets/:id
func (h *BucketHandler) Delete(c *gin.Context) {
	if err := h.buckets.Delete(requestContext(c), middleware.Actor(c), pathID(c, "id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// Notifications GET /api/buckets/:id/notifications
func (h *BucketHandler) Notifications(c *gin.Context) {
	actor := middleware.Actor(c)
	bucketID := pathID(c, "id")
	if _, err := h.buckets.Get(requestContext(c), actor, bucketID); err != nil {
		response.Error(c, err)
		return
	}

	items, err := h.notifications.ListForBucket(requestContext(c), actor.UserID, bucketID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, items, &response.Meta{NextSince: nextSince(items, 0)})
}

// Share POST /api/buckets/:id/shares
func (h *BucketHandler) Share(c *gin.Context) {
	var req grantRequest
	if !bindAndValidate(c, &req) {
		return
	}

	share, err := h.shares.Grant(requestContext(c), middleware.Actor(c), pathID(c, "id"), services.GrantInput{
		UserID:      req.UserID,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, share)
}

// Unshare DELETE /api/buckets/:id/shares/:userID
func (h *BucketHandler) Unshare(c *gin.Context) {
	err := h.shares.Revoke(requestContext(c), middleware.Actor(c), pathID(c, "id"), pathID(c, "userID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// Shares GET /api/buckets/:id/shares
func (h *BucketHandler) Shares(c *gin.Context) {
	shares, err := h.shares.List(requestContext(c), middleware.Actor(c), pathID(c, "id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, shares)
}
