package permissions

import (
	"sort"
	"time"

	"github.com/charlesng35/bucketcast/internal/models"
)

// Set is a set of permission levels.
type Set map[Level]struct{}

func NewSet(levels ...Level) Set {
	s := make(Set, len(levels))
	for _, l := range levels {
		s[l] = struct{}{}
	}
	return s
}

func (s Set) Has(l Level) bool {
	_, ok := s[l]
	return ok
}

func (s Set) Empty() bool { return len(s) == 0 }

func (s Set) Levels() []Level {
	out := make([]Level, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Set) Strings() []string {
	levels := s.Levels()
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = string(l)
	}
	return out
}

// Actor is the user a decision is made for.
type Actor struct {
	UserID  string
	IsAdmin bool
}

func ActorFor(u *models.User) Actor {
	if u == nil {
		return Actor{}
	}
	return Actor{UserID: u.ID, IsAdmin: u.IsAdmin()}
}

// Granted returns the literal union of the actor's active grants on bucket,
// without implications. Share listings show this form.
func Granted(actorID string, bucket *models.Bucket, grants []models.EntityPermission, now time.Time) Set {
	set := Set{}
	if bucket == nil || actorID == "" {
		return set
	}
	for i := range grants {
		g := &grants[i]
		if g.ResourceType != models.ResourceBucket || g.ResourceID != bucket.ID || g.GranteeUserID != actorID {
			continue
		}
		if !g.Active(now) {
			continue
		}
		for _, raw := range g.Permissions {
			if level, err := Parse(raw); err == nil {
				set[level] = struct{}{}
			}
		}
	}
	return set
}

// Effective computes the actor's permissions on bucket from scratch. Owners
// and platform admins hold every level; grantees hold the union of their
// grants with ADMIN expanded; everyone may read a public bucket. Nothing is
// cached between calls, so grant changes apply to the next evaluation.
func Effective(actor Actor, bucket *models.Bucket, grants []models.EntityPermission, now time.Time) Set {
	if bucket == nil || actor.UserID == "" {
		return Set{}
	}
	if actor.UserID == bucket.OwnerID || actor.IsAdmin {
		return NewSet(Read, Write, Delete, Admin)
	}

	set := Granted(actor.UserID, bucket, grants, now)
	expandImplied(set)
	if bucket.IsPublic() {
		set[Read] = struct{}{}
	}
	return set
}

// CanWrite reports whether actor may post messages to bucket. Public and
// admin buckets only accept writes from the owner or a platform admin, no
// matter what grants exist.
func CanWrite(actor Actor, bucket *models.Bucket, grants []models.EntityPermission, now time.Time) bool {
	if bucket == nil || actor.UserID == "" {
		return false
	}
	if actor.UserID == bucket.OwnerID || actor.IsAdmin {
		return true
	}
	if bucket.IsPublic() || bucket.IsAdminBucket() {
		return false
	}
	return Effective(actor, bucket, grants, now).Has(Write)
}

// CanManage reports whether actor may update the bucket or its shares.
func CanManage(actor Actor, bucket *models.Bucket, grants []models.EntityPermission, now time.Time) bool {
	return Effective(actor, bucket, grants, now).Has(Admin)
}

// CanDelete reports whether actor may delete the bucket. A DELETE grant alone
// covers messages, not the bucket itself.
func CanDelete(actor Actor, bucket *models.Bucket, grants []models.EntityPermission, now time.Time) bool {
	return Effective(actor, bucket, grants, now).Has(Admin)
}
