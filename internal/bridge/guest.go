package bridge

import (
	"github.com/gin-gonic/gin"

	"github.com/yourdreams-academy/academy-sync/internal/guest"
	"github.com/yourdreams-academy/academy-sync/pkg/response"
)

// SessionView is the guest session as returned to the UI shell.
type SessionView struct {
	guest.Session
	IsGuestMode   bool   `json:"isGuestMode"`
	FormattedTime string `json:"formattedTime"`
	Existing      bool   `json:"existing,omitempty"`
}

func (h *Handler) sessionView(existing bool) SessionView {
	snap := h.svc.Guest.Snapshot()
	return SessionView{
		Session:       snap,
		IsGuestMode:   snap.IsActive && snap.SessionID != "",
		FormattedTime: guest.FormatRemaining(snap.RemainingSeconds),
		Existing:      existing,
	}
}

func (h *Handler) startResult(c *gin.Context, res guest.StartResult) {
	if !res.Success {
		response.Failure(c, res.Err, gin.H{"reason": res.Reason})
		return
	}
	if res.Existing {
		response.OK(c, h.sessionView(true))
		return
	}
	response.Created(c, h.sessionView(false))
}

// GuestSnapshot handles GET /guest/session.
func (h *Handler) GuestSnapshot(c *gin.Context) {
	response.OK(c, h.sessionView(false))
}

// StartGuestSession handles POST /guest/session.
func (h *Handler) StartGuestSession(c *gin.Context) {
	h.startResult(c, h.svc.Guest.StartSession(c.Request.Context()))
}

// RecoverGuestSession handles POST /guest/session/recover.
func (h *Handler) RecoverGuestSession(c *gin.Context) {
	h.startResult(c, h.svc.Guest.Recover(c.Request.Context()))
}

// ValidateGuestSession handles POST /guest/session/validate.
func (h *Handler) ValidateGuestSession(c *gin.Context) {
	v := h.svc.Guest.ValidateSession(c.Request.Context())
	response.OK(c, gin.H{"valid": v.Valid, "reason": v.Reason, "warning": v.Warning})
}

// EndGuestSession handles DELETE /guest/session.
func (h *Handler) EndGuestSession(c *gin.Context) {
	h.svc.Guest.EndSession()
	response.NoContent(c)
}

// GuestAccess handles GET /guest/access.
func (h *Handler) GuestAccess(c *gin.Context) {
	response.OK(c, gin.H{"access": h.svc.Guest.CheckAccess(c.Request.Context())})
}

// GuestActivity handles POST /guest/activity.
func (h *Handler) GuestActivity(c *gin.Context) {
	h.svc.Guest.UpdateActivity()
	response.NoContent(c)
}
