package bridge

import (
	"github.com/gin-gonic/gin"

	"github.com/yourdreams-academy/academy-sync/internal/progress"
	"github.com/yourdreams-academy/academy-sync/pkg/response"
)

// UpdateProgressRequest is the body for POST /progress/:code. Omitted fields keep their value.
type UpdateProgressRequest struct {
	Progress         *int `json:"progress" binding:"omitempty,gte=0,lte=100"`
	CompletedLessons *int `json:"completed_lessons" binding:"omitempty,gte=0"`
	TotalLessons     *int `json:"total_lessons" binding:"omitempty,gte=0"`
}

// ListProgress handles GET /progress. ?refresh=1 refreshes every known course first.
func (h *Handler) ListProgress(c *gin.Context) {
	if c.Query("refresh") == "1" {
		var codes []string
		for _, r := range h.svc.Progress.All() {
			codes = append(codes, r.CourseCode)
		}
		h.svc.Progress.RefreshCourses(c.Request.Context(), codes)
	}
	response.OK(c, gin.H{"courses": h.svc.Progress.All(), "version": h.svc.Progress.Version()})
}

// GetProgress handles GET /progress/:code.
func (h *Handler) GetProgress(c *gin.Context) {
	rec, ok := h.svc.Progress.Get(c.Param("code"))
	if !ok {
		rec = progress.Record{CourseCode: c.Param("code")}
	}
	response.OK(c, rec)
}

// UpdateProgress handles POST /progress/:code.
func (h *Handler) UpdateProgress(c *gin.Context) {
	var req UpdateProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	rec, changed, err := h.svc.Progress.Update(c.Param("code"), progress.Delta{
		Progress:         req.Progress,
		CompletedLessons: req.CompletedLessons,
		TotalLessons:     req.TotalLessons,
		Source:           "shell",
	})
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.OK(c, gin.H{"record": rec, "changed": changed})
}

// RefreshProgress handles POST /progress/:code/refresh.
func (h *Handler) RefreshProgress(c *gin.Context) {
	res := h.svc.Progress.RefreshCourse(c.Request.Context(), c.Param("code"))
	if !res.Success {
		response.Failure(c, res.Err, nil)
		return
	}
	response.OK(c, gin.H{"record": res.Record, "changed": res.Changed})
}
