// Package bridge exposes the sync services to the UI shell over the local control API.
package bridge

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/auth"
	"github.com/yourdreams-academy/academy-sync/internal/autosave"
	"github.com/yourdreams-academy/academy-sync/internal/eventbus"
	"github.com/yourdreams-academy/academy-sync/internal/guest"
	"github.com/yourdreams-academy/academy-sync/internal/lessons"
	"github.com/yourdreams-academy/academy-sync/internal/progress"
)

// Services are the handlers' collaborators. Saver may be nil.
type Services struct {
	Guest    *guest.Manager
	Progress *progress.Tracker
	Lessons  *lessons.Store
	Auth     *auth.Watcher
	Bus      *eventbus.Bus
	Saver    *autosave.Saver
}

// Handler serves the control API.
type Handler struct {
	svc    Services
	logger *zap.Logger
}

// NewHandler creates a bridge handler.
func NewHandler(svc Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts every route on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/guest")
	{
		g.GET("/session", h.GuestSnapshot)
		g.POST("/session", h.StartGuestSession)
		g.POST("/session/recover", h.RecoverGuestSession)
		g.POST("/session/validate", h.ValidateGuestSession)
		g.DELETE("/session", h.EndGuestSession)
		g.GET("/access", h.GuestAccess)
		g.POST("/activity", h.GuestActivity)
	}

	a := rg.Group("/auth")
	{
		a.GET("/identity", h.Identity)
		a.POST("/signin", h.SignIn)
		a.POST("/signout", h.SignOut)
	}

	p := rg.Group("/progress")
	{
		p.GET("", h.ListProgress)
		p.GET("/:code", h.GetProgress)
		p.POST("/:code", h.UpdateProgress)
		p.POST("/:code/refresh", h.RefreshProgress)
	}

	c := rg.Group("/courses/:code")
	{
		c.POST("/select", h.SelectCourse)
		c.GET("/lessons", h.ListLessons)
		c.POST("/refresh", h.RefreshLessons)
		c.POST("/enroll", h.Enroll)
	}

	l := rg.Group("/lessons")
	{
		l.POST("/:id/select", h.SelectLesson)
		l.GET("/current", h.CurrentLesson)
		l.GET("/current/answers/:qid", h.GetAnswer)
		l.PUT("/current/answers/:qid", h.SetAnswer)
		l.POST("/current/answers/:qid/submit", h.SubmitAnswer)
		l.POST("/current/complete", h.CompleteLesson)
		l.POST("/current/auto-complete", h.AutoComplete)
		l.POST("/current/video-progress", h.VideoProgress)
	}

	e := rg.Group("/events")
	{
		e.POST("", h.Emit)
		e.GET("/stats", h.EventStats)
		e.GET("/:type/buffered", h.Buffered)
		e.GET("/stream", h.Stream)
		e.DELETE("/owners/:owner", h.CleanupOwner)
	}
}
