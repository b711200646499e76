package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/middleware"
	"github.com/charlesng35/bucketcast/internal/services"
	"github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/charlesng35/bucketcast/pkg/response"
)

// maxMagicPayload caps raw bodies posted to magic code endpoints.
const maxMagicPayload = 256 << 10

// MessageHandler accepts messages and lists bucket history.
type MessageHandler struct {
	messages *services.MessageService
}

func NewMessageHandler(messages *services.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

type createMessageRequest struct {
	BucketID        string     `json:"bucket_id" validate:"required"`
	Title           string     `json:"title" validate:"required,max=255"`
	Subtitle        string     `json:"subtitle" validate:"max=255"`
	Body            string     `json:"body" validate:"max=4096"`
	DeliveryType    string     `json:"delivery_type" validate:"omitempty,delivery_type"`
	Ephemeral       bool       `json:"ephemeral"`
	ExecutionID     string     `json:"execution_id" validate:"max=255"`
	ScheduledSendAt *time.Time `json:"scheduled_send_at"`
}

// Create POST /api/messages
func (h *MessageHandler) Create(c *gin.Context) {
	var req createMessageRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.messages.Create(requestContext(c), middleware.Actor(c), services.CreateMessageInput{
		BucketID:        req.BucketID,
		Title:           req.Title,
		Subtitle:        req.Subtitle,
		Body:            req.Body,
		DeliveryType:    req.DeliveryType,
		Ephemeral:       req.Ephemeral,
		ExecutionID:     req.ExecutionID,
		ScheduledSendAt: req.ScheduledSendAt,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// CreateFromMagic POST /api/messages/magic/:code
func (h *MessageHandler) CreateFromMagic(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMagicPayload+1))
	if err != nil {
		response.Error(c, errors.NewBadRequest("unreadable request body"))
		return
	}
	if len(body) > maxMagicPayload {
		response.Error(c, errors.New("PAYLOAD_TOO_LARGE", "request body too large", http.StatusRequestEntityTooLarge))
		return
	}

	result, err := h.messages.CreateFromMagic(requestContext(c), services.MagicMessageInput{
		Code:     strings.TrimSpace(c.Param(middleware.MagicCodeParam)),
		Template: strings.TrimSpace(c.Query("template")),
		Parser:   strings.TrimSpace(c.Query("parser")),
		Body:     body,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List GET /api/messages?bucket_id=&before=&limit=
func (h *MessageHandler) List(c *gin.Context) {
	bucketID := strings.TrimSpace(c.Query("bucket_id"))
	if bucketID == "" {
		response.Error(c, errors.NewBadRequest("bucket_id is required"))
		return
	}
	before, _ := strconv.ParseInt(strings.TrimSpace(c.Query("before")), 10, 64)
	limit := parseIntQuery(c, "limit", 50)

	messages, err := h.messages.List(requestContext(c), middleware.Actor(c), services.ListMessagesInput{
		BucketID:       bucketID,
		BeforeSequence: before,
		Limit:          limit,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, messages, &response.Meta{PerPage: limit})
}

// Delete DELETE /api/messages/:id
func (h *MessageHandler) Delete(c *gin.Context) {
	if err := h.messages.Delete(requestContext(c), middleware.Actor(c), pathID(c, "id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}
