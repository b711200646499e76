package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/services"
	"github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/charlesng35/bucketcast/pkg/response"
)

// NotificationHandler exposes a user's delivery records and acknowledgements.
type NotificationHandler struct {
	service *services.NotificationService
}

func NewNotificationHandler(service *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{service: service}
}

// List returns notifications for the current user ordered by sequence.
func (h *NotificationHandler) List(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	since, _ := strconv.ParseInt(strings.TrimSpace(c.Query("since")), 10, 64)
	items, err := h.service.List(requestContext(c), services.ListNotificationsInput{
		UserID:        userID,
		BucketID:      strings.TrimSpace(c.Query("bucket_id")),
		UnreadOnly:    c.Query("unread") == "true",
		SinceSequence: since,
		Limit:         parseIntQuery(c, "limit", 100),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, items, &response.Meta{NextSince: nextSince(items, since)})
}

// MarkReceived records that the device received the notification.
func (h *NotificationHandler) MarkReceived(c *gin.Context) {
	h.acknowledge(c, h.service.MarkReceived)
}

// MarkRead records that the user read the notification.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	h.acknowledge(c, h.service.MarkRead)
}

func (h *NotificationHandler) acknowledge(c *gin.Context, ack func(ctx context.Context, userID, id string) (*services.NotificationDTO, error)) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	dto, err := ack(requestContext(c), userID, pathID(c, "id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

// MarkAllRead marks every unread notification read, optionally within one bucket.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	updated, err := h.service.MarkAllRead(requestContext(c), userID, strings.TrimSpace(c.Query("bucket_id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": updated})
}

// Delete removes a notification.
func (h *NotificationHandler) Delete(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.service.Delete(requestContext(c), userID, pathID(c, "id")); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

func nextSince(items []services.NotificationDTO, since int64) int64 {
	for _, item := range items {
		since = max(since, item.Sequence)
	}
	return since
}
