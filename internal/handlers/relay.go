package handlers

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/internal/delivery"
	"github.com/charlesng35/bucketcast/internal/middleware"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/relay"
	"github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/response"
)

var (
	errDeviceTokenGone = errors.New("device.token_invalid", "Device token is no longer valid", http.StatusGone)
	errPushUnavailable = errors.New("relay.push_unavailable", "No push transport is configured for this platform", http.StatusServiceUnavailable)
	errPushFailed      = errors.New("relay.push_failed", "Push provider rejected the notification", http.StatusBadGateway)
)

// RelayHandler serves the passthrough endpoint other servers relay native
// pushes through.
type RelayHandler struct {
	inbound *relay.Inbound
	router  *delivery.Router
	log     *zap.Logger
}

func NewRelayHandler(inbound *relay.Inbound, router *delivery.Router) *RelayHandler {
	return &RelayHandler{inbound: inbound, router: router, log: logger.WithModule("relay")}
}

type relayRequest struct {
	Platform     string            `json:"platform" validate:"required,device_platform"`
	DeviceToken  string            `json:"device_token" validate:"required"`
	Title        string            `json:"title" validate:"required,max=255"`
	Subtitle     string            `json:"subtitle" validate:"max=255"`
	Body         string            `json:"body" validate:"max=4096"`
	DeliveryType string            `json:"delivery_type" validate:"omitempty,delivery_type"`
	Data         map[string]string `json:"data"`
}

// NotifyExternal POST /api/notifications/notify-external
//
// Malformed requests are rejected before the call is metered. A valid call
// is metered against the token before the push is attempted. Every response
// carries the token's x-token-* usage headers.
func (h *RelayHandler) NotifyExternal(c *gin.Context) {
	ctx := requestContext(c)
	token := middleware.SystemAccessToken(c)
	if token == nil {
		response.Error(c, errors.ErrRelayTokenInvalid)
		return
	}

	if usage, err := h.inbound.Usage(ctx, token.ID); err == nil {
		relay.WriteUsageHeaders(c.Writer.Header(), usage)
	}
	var req relayRequest
	if !bindAndValidate(c, &req) {
		return
	}
	platform, _ := models.ParseDevicePlatform(req.Platform)
	if platform == models.PlatformWeb {
		response.Error(c, errors.NewBadRequest("web push subscriptions cannot be relayed"))
		return
	}

	usage, err := h.inbound.Consume(ctx, token)
	if err != nil {
		if stderrors.Is(err, errors.ErrQuotaExhausted) {
			relay.WriteUsageHeaders(c.Writer.Header(), usage)
		}
		response.Error(c, err)
		return
	}
	relay.WriteUsageHeaders(c.Writer.Header(), usage)

	device := &models.UserDevice{Platform: platform, DeviceToken: req.DeviceToken}
	transport, err := h.router.Forward(ctx, device, relayPayload(req))
	if err != nil {
		h.fail(c, token.ID, transport, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"delivered": true, "transport": transport})
}

func (h *RelayHandler) fail(c *gin.Context, tokenID string, transport models.Transport, cause error) {
	ctx := requestContext(c)
	h.log.Warn("relayed push failed",
		zap.String("token_id", tokenID),
		zap.String("transport", string(transport)),
		zap.Error(cause))

	if err := h.inbound.RecordFailure(ctx, tokenID, cause.Error()); err != nil {
		h.log.Warn("relay failure not recorded", zap.Error(err))
	}
	if usage, err := h.inbound.Usage(ctx, tokenID); err == nil {
		relay.WriteUsageHeaders(c.Writer.Header(), usage)
	}

	switch {
	case stderrors.Is(cause, delivery.ErrTokenInvalid):
		response.Error(c, errDeviceTokenGone)
	case stderrors.Is(cause, delivery.ErrNoTransport):
		response.Error(c, errPushUnavailable)
	default:
		response.Error(c, errPushFailed.WithInternal(cause))
	}
}

func relayPayload(req relayRequest) delivery.Payload {
	p := delivery.Payload{
		NotificationID: req.Data["notificationId"],
		MessageID:      req.Data["messageId"],
		BucketID:       req.Data["bucketId"],
		Title:          req.Title,
		Subtitle:       req.Subtitle,
		Body:           req.Body,
		DeliveryType:   models.DeliveryNormal,
	}
	if kind, ok := models.ParseDeliveryType(req.DeliveryType); ok {
		p.DeliveryType = kind
	}
	p.Sequence, _ = strconv.ParseInt(req.Data["sequence"], 10, 64)
	return p
}
