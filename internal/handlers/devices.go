package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/services"
	"github.com/charlesng35/bucketcast/pkg/response"
)

// DeviceHandler manages the caller's registered devices.
type DeviceHandler struct {
	devices *services.DeviceService
}

func NewDeviceHandler(devices *services.DeviceService) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

type registerDeviceRequest struct {
	Platform    string `json:"platform" validate:"required,device_platform"`
	DeviceToken string `json:"device_token"`
	Endpoint    string `json:"endpoint" validate:"omitempty,url"`
	P256dh      string `json:"p256dh"`
	Auth        string `json:"auth"`
	DeviceName  string `json:"device_name" validate:"max=255"`
	DeviceModel string `json:"device_model" validate:"max=255"`
	AppVersion  string `json:"app_version" validate:"max=64"`
}

// Register POST /api/devices
func (h *DeviceHandler) Register(c *gin.Context) {
	var req registerDeviceRequest
	if !bindAndValidate(c, &req) {
		return
	}

	device, err := h.devices.Register(requestContext(c), currentUserID(c), services.RegisterDeviceInput{
		Platform:    req.Platform,
		DeviceToken: req.DeviceToken,
		Endpoint:    req.Endpoint,
		P256dh:      req.P256dh,
		Auth:        req.Auth,
		DeviceName:  req.DeviceName,
		DeviceModel: req.DeviceModel,
		AppVersion:  req.AppVersion,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, device)
}

// List GET /api/devices
func (h *DeviceHandler) List(c *gin.Context) {
	devices, err := h.devices.ListForUser(requestContext(c), currentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, devices)
}

// Delete DELETE /api/devices/:id
func (h *DeviceHandler) Delete(c *gin.Context) {
	err := h.devices.Unregister(requestContext(c), currentUserID(c), pathID(c, "id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}
