package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/realtime"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

func TestReadOnlyShareCannotUpdateOrDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.grant(t, e.private, e.reader, "READ")

	view, err := e.buckets.Get(ctx, actorOf(e.reader), e.private.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"READ"}, view.Permissions)

	name := "renamed"
	_, err = e.buckets.Update(ctx, actorOf(e.reader), e.private.ID, UpdateBucketInput{Name: &name})
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	err = e.buckets.Delete(ctx, actorOf(e.reader), e.private.ID)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = e.buckets.Get(ctx, actorOf(e.outsider), e.private.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAdminShareCanUpdateAndDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.grant(t, e.private, e.reader, "ADMIN")

	name := "renamed"
	view, err := e.buckets.Update(ctx, actorOf(e.reader), e.private.ID, UpdateBucketInput{Name: &name, RotateMagicCode: true})
	require.NoError(t, err)
	require.Equal(t, "renamed", view.Name)
	require.NotEmpty(t, view.MagicCode)
	require.Len(t, e.events.ofType(realtime.BucketUpdated), 1)

	require.NoError(t, e.buckets.Delete(ctx, actorOf(e.reader), e.private.ID))

	var grants int64
	require.NoError(t, e.db.Model(&models.EntityPermission{}).Where("resource_id = ?", e.private.ID).Count(&grants).Error)
	require.Zero(t, grants)

	deleted := e.events.ofType(realtime.BucketDeleted)
	require.Len(t, deleted, 1)
	require.ElementsMatch(t, []string{e.owner.ID, e.reader.ID}, deleted[0].UserIDs)

	_, err = e.buckets.Get(ctx, actorOf(e.owner), e.private.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCreateBucketVisibilityRequiresAdmin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.buckets.Create(ctx, actorOf(e.owner), CreateBucketInput{Name: "everyone", Visibility: "public"})
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = e.buckets.Create(ctx, actorOf(e.owner), CreateBucketInput{Name: "bad", Visibility: "secret"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	view, err := e.buckets.Create(ctx, actorOf(e.admin), CreateBucketInput{Name: "everyone", Visibility: "PUBLIC"})
	require.NoError(t, err)
	require.Equal(t, models.VisibilityPublic, view.Visibility)
	require.Equal(t, e.admin.ID, view.OwnerID)

	view, err = e.buckets.Create(ctx, actorOf(e.owner), CreateBucketInput{Name: "hooks", WithMagicCode: true})
	require.NoError(t, err)
	require.NotEmpty(t, view.MagicCode)

	found, err := e.buckets.ByMagicCode(ctx, view.MagicCode)
	require.NoError(t, err)
	require.Equal(t, view.ID, found.ID)
	require.Len(t, e.events.ofType(realtime.BucketCreated), 2)
}

func TestCreateBucketRejectsForeignExternalSystem(t *testing.T) {
	e := newEnv(t)
	system := models.ExternalNotifySystem{OwnerID: e.reader.ID, Type: models.ExternalNtfy, Name: "ntfy", BaseURL: "https://ntfy.example"}
	require.NoError(t, e.db.Create(&system).Error)

	_, err := e.buckets.Create(context.Background(), actorOf(e.owner), CreateBucketInput{Name: "mirror", ExternalNotifySystemID: &system.ID})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	view, err := e.buckets.Create(context.Background(), actorOf(e.reader), CreateBucketInput{Name: "mirror", ExternalNotifySystemID: &system.ID, ExternalSystemChannel: "alerts"})
	require.NoError(t, err)
	require.Equal(t, system.ID, *view.ExternalNotifySystemID)
}

func TestListBucketsByVisibility(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	public := e.bucket(t, e.admin, models.VisibilityPublic)
	e.bucket(t, e.admin, models.VisibilityAdmin)
	e.grant(t, e.private, e.reader, "READ")

	names := func(views []BucketView) []string {
		var out []string
		for _, v := range views {
			out = append(out, v.ID)
		}
		return out
	}

	outsider, err := e.buckets.List(ctx, actorOf(e.outsider))
	require.NoError(t, err)
	require.Equal(t, []string{public.ID}, names(outsider))
	require.Equal(t, []string{"READ"}, outsider[0].Permissions)

	reader, err := e.buckets.List(ctx, actorOf(e.reader))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{public.ID, e.private.ID}, names(reader))

	admin, err := e.buckets.List(ctx, actorOf(e.admin))
	require.NoError(t, err)
	require.Len(t, admin, 3)
}
