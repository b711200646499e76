package models

import (
	"strings"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type LoginProvider string

const (
	LoginProviderLocal   LoginProvider = "LOCAL"
	LoginProviderGoogle  LoginProvider = "GOOGLE"
	LoginProviderGithub  LoginProvider = "GITHUB"
	LoginProviderApple   LoginProvider = "APPLE"
	LoginProviderDiscord LoginProvider = "DISCORD"
)

var legacyLoginProviders = map[string]LoginProvider{
	"local":        LoginProviderLocal,
	"password":     LoginProviderLocal,
	"email":        LoginProviderLocal,
	"google":       LoginProviderGoogle,
	"google oauth": LoginProviderGoogle,
	"google_oauth": LoginProviderGoogle,
	"github":       LoginProviderGithub,
	"github oauth": LoginProviderGithub,
	"apple":        LoginProviderApple,
	"discord":      LoginProviderDiscord,
}

// ParseLoginProvider maps stored provider strings, including the free-form
// values written by older releases, onto the enum. ok is false when raw
// cannot be mapped.
func ParseLoginProvider(raw string) (LoginProvider, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	if p, ok := legacyLoginProviders[key]; ok {
		return p, true
	}
	switch LoginProvider(strings.ToUpper(key)) {
	case LoginProviderLocal, LoginProviderGoogle, LoginProviderGithub, LoginProviderApple, LoginProviderDiscord:
		return LoginProvider(strings.ToUpper(key)), true
	}
	return "", false
}

// User is a platform account. Authentication itself happens upstream; this
// service only needs identity and role.
type User struct {
	BaseModel

	Username      string         `gorm:"uniqueIndex;not null;size:128" json:"username"`
	Email         string         `gorm:"uniqueIndex;not null;size:255" json:"email"`
	Role          UserRole       `gorm:"type:varchar(16);not null;default:'user';index" json:"role"`
	LoginProvider *LoginProvider `gorm:"type:varchar(64)" json:"login_provider,omitempty"`
	IsActive      bool           `gorm:"default:true" json:"is_active"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}
