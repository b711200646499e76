package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/middleware"
	"github.com/charlesng35/bucketcast/internal/services"
	"github.com/charlesng35/bucketcast/pkg/response"
)

// AccessTokenHandler lets administrators mint System Access Tokens for
// relay clients.
type AccessTokenHandler struct {
	tokens *services.AccessTokenService
}

func NewAccessTokenHandler(tokens *services.AccessTokenService) *AccessTokenHandler {
	return &AccessTokenHandler{tokens: tokens}
}

type mintTokenRequest struct {
	Name      string     `json:"name" validate:"required,max=255"`
	Scopes    []string   `json:"scopes"`
	MaxCalls  int64      `json:"max_calls" validate:"min=0"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Mint POST /api/access-tokens
func (h *AccessTokenHandler) Mint(c *gin.Context) {
	var req mintTokenRequest
	if !bindAndValidate(c, &req) {
		return
	}

	minted, err := h.tokens.Mint(requestContext(c), middleware.Actor(c), services.MintTokenInput{
		Name:      req.Name,
		Scopes:    req.Scopes,
		MaxCalls:  req.MaxCalls,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, minted)
}

// List GET /api/access-tokens
func (h *AccessTokenHandler) List(c *gin.Context) {
	tokens, err := h.tokens.List(requestContext(c), middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, tokens)
}

// Disable DELETE /api/access-tokens/:id
func (h *AccessTokenHandler) Disable(c *gin.Context) {
	if err := h.tokens.Disable(requestContext(c), middleware.Actor(c), pathID(c, "id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"disabled": true})
}
