package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/models"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

func TestRegisterDeviceMovesTokenBetweenUsers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.devices.Register(ctx, e.owner.ID, RegisterDeviceInput{Platform: "android", DeviceToken: "fcm-token", DeviceName: "Pixel"})
	require.NoError(t, err)
	require.Equal(t, models.PlatformAndroid, first.Platform)
	require.NoError(t, e.db.Model(first).Update("sns_endpoint_arn", "arn:aws:sns:endpoint/1").Error)

	again, err := e.devices.Register(ctx, e.owner.ID, RegisterDeviceInput{Platform: "ANDROID", DeviceToken: "fcm-token", AppVersion: "2.0"})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, "2.0", again.AppVersion)
	require.Equal(t, "arn:aws:sns:endpoint/1", again.SNSEndpointARN)

	moved, err := e.devices.Register(ctx, e.reader.ID, RegisterDeviceInput{Platform: "android", DeviceToken: "fcm-token"})
	require.NoError(t, err)
	require.Equal(t, first.ID, moved.ID)
	require.Equal(t, e.reader.ID, moved.UserID)
	require.Empty(t, moved.SNSEndpointARN)

	ownerDevices, err := e.devices.ListForUser(ctx, e.owner.ID)
	require.NoError(t, err)
	require.Empty(t, ownerDevices)

	// Same token on another platform is a separate device.
	ios, err := e.devices.Register(ctx, e.owner.ID, RegisterDeviceInput{Platform: "ios", DeviceToken: "fcm-token"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, ios.ID)

	all, err := e.devices.ListForUsers(ctx, []string{e.owner.ID, e.reader.ID, e.owner.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRegisterDeviceValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.devices.Register(ctx, e.owner.ID, RegisterDeviceInput{Platform: "symbian", DeviceToken: "x"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = e.devices.Register(ctx, e.owner.ID, RegisterDeviceInput{Platform: "ios"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = e.devices.Register(ctx, e.owner.ID, RegisterDeviceInput{Platform: "web", Endpoint: "https://push.example/sub"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	web, err := e.devices.Register(ctx, e.owner.ID, RegisterDeviceInput{Platform: "web", Endpoint: "https://push.example/sub", P256dh: "key", Auth: "secret"})
	require.NoError(t, err)
	require.Equal(t, "https://push.example/sub", web.DeviceToken)
	require.Equal(t, models.HashDeviceToken("https://push.example/sub"), web.TokenHash)
}

func TestUnregisterDevice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	device, err := e.devices.Register(ctx, e.owner.ID, RegisterDeviceInput{Platform: "ios", DeviceToken: "apns"})
	require.NoError(t, err)
	res := e.post(t, "hello")

	require.ErrorIs(t, e.devices.Unregister(ctx, e.reader.ID, device.ID), apperrors.ErrNotFound)
	require.NoError(t, e.devices.Unregister(ctx, e.owner.ID, device.ID))

	devices, err := e.devices.ListForUser(ctx, e.owner.ID)
	require.NoError(t, err)
	require.Empty(t, devices)

	rows := e.notificationsFor(t, res.Message.ID)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0].UserDeviceID)
}
