package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/bucketcast/internal/models"
	apperrors "github.com/charlesng35/bucketcast/pkg/errors"
)

func TestResolveRecipientsPrivateBucket(t *testing.T) {
	e := newEnv(t)
	e.grant(t, e.private, e.reader, "READ")

	expired := e.clock.Add(-time.Hour)
	require.NoError(t, e.db.Create(&models.EntityPermission{
		ResourceType:  models.ResourceBucket,
		ResourceID:    e.private.ID,
		GranteeUserID: e.outsider.ID,
		Permissions:   datatypes.JSONSlice[string]{"READ"},
		ExpiresAt:     &expired,
	}).Error)

	rec, err := e.resolver.ResolveRecipients(context.Background(), e.private.ID, e.owner.ID)
	require.NoError(t, err)
	require.Equal(t, e.owner.ID, rec.OwnerUserID)
	require.Equal(t, []string{e.reader.ID}, rec.SharedUserIDs)
	require.Empty(t, rec.AdminUserIDs)
	require.False(t, rec.IsPublic)
	require.Equal(t, sortedIDs(e.owner, e.reader), rec.UserIDs)
}

func TestResolveRecipientsIgnoresEmptyGrants(t *testing.T) {
	e := newEnv(t)
	e.grant(t, e.private, e.reader, "NOT_A_LEVEL")

	rec, err := e.resolver.ResolveRecipients(context.Background(), e.private.ID, e.owner.ID)
	require.NoError(t, err)
	require.Empty(t, rec.SharedUserIDs)
	require.Equal(t, []string{e.owner.ID}, rec.UserIDs)
}

func TestResolveRecipientsPublicBucketWithAdminSender(t *testing.T) {
	e := newEnv(t)
	public := e.bucket(t, e.admin, models.VisibilityPublic)

	rec, err := e.resolver.ResolveRecipients(context.Background(), public.ID, e.admin.ID)
	require.NoError(t, err)
	require.True(t, rec.IsPublic)
	require.Equal(t, sortedIDs(e.owner, e.reader, e.admin, e.outsider), rec.UserIDs)
	require.NotContains(t, rec.UserIDs, e.inactive.ID)

	users, broadcast, err := e.resolver.Audience(context.Background(), public.ID)
	require.NoError(t, err)
	require.True(t, broadcast)
	require.Nil(t, users)
}

func TestResolveRecipientsAdminBucket(t *testing.T) {
	e := newEnv(t)
	adminBucket := e.bucket(t, e.owner, models.VisibilityAdmin)

	rec, err := e.resolver.ResolveRecipients(context.Background(), adminBucket.ID, e.owner.ID)
	require.NoError(t, err)
	require.True(t, rec.IsAdmin)
	require.Equal(t, []string{e.admin.ID}, rec.AdminUserIDs)
	require.Equal(t, sortedIDs(e.owner, e.admin), rec.UserIDs)
}

func TestResolveRecipientsMissingBucket(t *testing.T) {
	e := newEnv(t)

	_, err := e.resolver.ResolveRecipients(context.Background(), "missing", e.owner.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	users, broadcast, err := e.resolver.Audience(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, broadcast)
	require.Empty(t, users)
}

func TestGrantChangesApplyImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	set, err := e.resolver.Effective(ctx, &e.private, actorOf(e.reader))
	require.NoError(t, err)
	require.True(t, set.Empty())

	e.grant(t, e.private, e.reader, "ADMIN")
	set, err = e.resolver.Effective(ctx, &e.private, actorOf(e.reader))
	require.NoError(t, err)
	require.Equal(t, []string{"ADMIN", "DELETE", "READ", "WRITE"}, set.Strings())

	ok, err := e.resolver.CanWrite(ctx, &e.private, actorOf(e.reader))
	require.NoError(t, err)
	require.True(t, ok)
}
