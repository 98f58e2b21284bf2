package bridge

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/pkg/response"
)

// SignInRequest is the body for POST /auth/signin.
type SignInRequest struct {
	AccessToken string `json:"access_token" binding:"required"`
	UserType    string `json:"user_type" binding:"omitempty,oneof=student instructor admin"`
}

// Identity handles GET /auth/identity.
func (h *Handler) Identity(c *gin.Context) {
	response.OK(c, h.svc.Auth.Identity())
}

// SignIn handles POST /auth/signin.
func (h *Handler) SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res := h.svc.Auth.SignedIn(c.Request.Context(), req.AccessToken, req.UserType)
	if !res.Success {
		response.Failure(c, res.Err, nil)
		return
	}
	response.OK(c, gin.H{
		"identity":    res.Identity,
		"was_guest":   res.Transition.WasGuest,
		"purged_keys": res.Transition.PurgedKeys,
	})
}

// SignOut handles POST /auth/signout.
func (h *Handler) SignOut(c *gin.Context) {
	if err := h.svc.Auth.SignedOut(c.Request.Context()); err != nil {
		h.logger.Warn("sign out left stale storage", zap.Error(err))
	}
	response.NoContent(c)
}
