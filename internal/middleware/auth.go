package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/bucketcast/internal/auth"
	"github.com/charlesng35/bucketcast/internal/models"
	"github.com/charlesng35/bucketcast/internal/permissions"
	"github.com/charlesng35/bucketcast/internal/relay"
	"github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/charlesng35/bucketcast/pkg/response"
)

const (
	CtxClaimsKey      = "authClaims"
	CtxUserIDKey      = "userID"
	CtxRoleKey        = "userRole"
	CtxSystemTokenKey = "systemAccessToken"

	// accessTokenParam lets EventSource clients, which cannot set headers,
	// authenticate stream requests.
	accessTokenParam = "access_token"
)

// Auth enforces JWT authentication using the supplied JWT service.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" && c.Request.Method == "GET" {
			token = strings.TrimSpace(c.Query(accessTokenParam))
		}
		if token == "" {
			response.Error(c, errors.ErrUnauthorized)
			return
		}

		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		c.Set(CtxRoleKey, string(claims.Role))
		c.Next()
	}
}

// OptionalAuth sets the caller when a valid bearer token is present and
// passes anonymous requests through. Used by the subscription socket, whose
// clients may authenticate in the protocol handshake instead.
func OptionalAuth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearer(c); token != "" {
			if claims, err := jwt.ValidateAccessToken(token); err == nil {
				c.Set(CtxClaimsKey, claims)
				c.Set(CtxUserIDKey, claims.UserID)
				c.Set(CtxRoleKey, string(claims.Role))
			}
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose token lacks the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Actor(c).IsAdmin {
			response.Error(c, errors.ErrForbidden)
			return
		}
		c.Next()
	}
}

// SystemToken authenticates server-to-server relay calls presenting a
// System Access Token instead of a user JWT.
func SystemToken(inbound *relay.Inbound) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := inbound.Authenticate(c.Request.Context(), bearer(c))
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, err)
			return
		}
		c.Set(CtxSystemTokenKey, token)
		c.Next()
	}
}

// Actor returns the authenticated caller as a permission subject.
func Actor(c *gin.Context) permissions.Actor {
	return permissions.Actor{
		UserID:  c.GetString(CtxUserIDKey),
		IsAdmin: models.UserRole(c.GetString(CtxRoleKey)) == models.RoleAdmin,
	}
}

// SystemAccessToken returns the token set by SystemToken.
func SystemAccessToken(c *gin.Context) *models.SystemAccessToken {
	if v, ok := c.Get(CtxSystemTokenKey); ok {
		token, _ := v.(*models.SystemAccessToken)
		return token
	}
	return nil
}

func bearer(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}
