package bridge

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/internal/lessons"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
	"github.com/yourdreams-academy/academy-sync/pkg/response"
)

// AnswerRequest is the body for the answer routes.
type AnswerRequest struct {
	Answer string `json:"answer" binding:"max=10000"`
}

// CompleteRequest is the body for POST /lessons/current/complete.
type CompleteRequest struct {
	Reflection     string `json:"reflection" binding:"max=10000"`
	Score          int    `json:"score" binding:"gte=0"`
	TotalQuestions int    `json:"total_questions" binding:"gte=0,gtefield=Score"`
}

// VideoProgressRequest is the body for POST /lessons/current/video-progress.
type VideoProgressRequest struct {
	Percent int `json:"percent" binding:"gte=0,lte=100"`
}

type lessonView struct {
	Lesson    api.Lesson     `json:"lesson"`
	Status    lessons.Status `json:"status"`
	CanFinish bool           `json:"canComplete"`
	Score     int            `json:"score"`
	Total     int            `json:"totalQuestions"`
}

func (h *Handler) completion(c *gin.Context, res lessons.CompletionResult) {
	if !res.Success {
		response.Failure(c, res.Err, gin.H{"lesson_id": res.LessonID})
		return
	}
	response.OK(c, gin.H{"lesson_id": res.LessonID, "lessons": res.Lessons, "progress": res.Progress})
}

// SelectCourse handles POST /courses/:code/select.
func (h *Handler) SelectCourse(c *gin.Context) {
	changed, err := h.svc.Lessons.SetCurrentCourse(c.Param("code"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.OK(c, gin.H{"course_code": c.Param("code"), "changed": changed})
}

// ListLessons handles GET /courses/:code/lessons. ?force=1 bypasses the cache.
func (h *Handler) ListLessons(c *gin.Context) {
	list, err := h.svc.Lessons.LoadLessons(c.Request.Context(), c.Param("code"), c.Query("force") == "1")
	if err != nil {
		response.Failure(c, err, nil)
		return
	}
	response.OK(c, list)
}

// RefreshLessons handles POST /courses/:code/refresh. The course is selected first.
func (h *Handler) RefreshLessons(c *gin.Context) {
	if _, err := h.svc.Lessons.SetCurrentCourse(c.Param("code")); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	res := h.svc.Lessons.Refresh(c.Request.Context(), c.Query("force") == "1")
	if !res.Success {
		response.Failure(c, res.Err, gin.H{"cached": res.Cached})
		return
	}
	response.OK(c, gin.H{"cached": res.Cached, "lessons": res.Lessons})
}

// Enroll handles POST /courses/:code/enroll.
func (h *Handler) Enroll(c *gin.Context) {
	res := h.svc.Lessons.Enroll(c.Request.Context(), c.Param("code"))
	if !res.Success {
		response.Failure(c, res.Err, nil)
		return
	}
	if res.AlreadyEnrolled {
		response.OK(c, gin.H{"already_enrolled": true})
		return
	}
	response.Created(c, gin.H{"already_enrolled": false})
}

// SelectLesson handles POST /lessons/:id/select.
func (h *Handler) SelectLesson(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid lesson id")
		return
	}
	lesson, err := h.svc.Lessons.SetCurrentLesson(c.Request.Context(), id)
	if err != nil {
		response.Failure(c, err, nil)
		return
	}
	response.OK(c, h.view(*lesson))
}

// CurrentLesson handles GET /lessons/current.
func (h *Handler) CurrentLesson(c *gin.Context) {
	lesson, ok := h.svc.Lessons.CurrentLesson()
	if !ok {
		response.Failure(c, apperror.New(apperror.KindPrecondition, "bridge.CurrentLesson", "No current lesson"), nil)
		return
	}
	response.OK(c, h.view(lesson))
}

func (h *Handler) view(l api.Lesson) lessonView {
	score, total := h.svc.Lessons.CurrentScore()
	return lessonView{
		Lesson:    l,
		Status:    h.svc.Lessons.Status(l.ID),
		CanFinish: h.svc.Lessons.CanCompleteLesson(),
		Score:     score,
		Total:     total,
	}
}

// GetAnswer handles GET /lessons/current/answers/:qid. The autosave status is included when a saver is wired.
func (h *Handler) GetAnswer(c *gin.Context) {
	qid := api.QuestionID(c.Param("qid"))
	st, ok := h.svc.Lessons.Exercise(qid)
	if !ok {
		response.Failure(c, apperror.New(apperror.KindPrecondition, "bridge.GetAnswer", "Unknown question"), nil)
		return
	}
	body := gin.H{"exercise": st}
	if lesson, ok := h.svc.Lessons.CurrentLesson(); ok && h.svc.Saver != nil {
		body["autosave"] = h.svc.Saver.Status(lesson.ID, qid)
	}
	response.OK(c, body)
}

// SetAnswer handles PUT /lessons/current/answers/:qid.
func (h *Handler) SetAnswer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.svc.Lessons.SetExerciseAnswer(api.QuestionID(c.Param("qid")), req.Answer); err != nil {
		response.Failure(c, err, nil)
		return
	}
	response.NoContent(c)
}

// SubmitAnswer handles POST /lessons/current/answers/:qid/submit.
func (h *Handler) SubmitAnswer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res := h.svc.Lessons.SubmitAnswerOptimistic(c.Request.Context(), api.QuestionID(c.Param("qid")), req.Answer)
	if !res.Success {
		response.Failure(c, res.Err, nil)
		return
	}
	response.OK(c, res.Result)
}

// CompleteLesson handles POST /lessons/current/complete. An empty body completes with no score.
func (h *Handler) CompleteLesson(c *gin.Context) {
	var req CompleteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	h.completion(c, h.svc.Lessons.MarkLessonCompleted(c.Request.Context(), req.Reflection, req.Score, req.TotalQuestions))
}

// AutoComplete handles POST /lessons/current/auto-complete.
func (h *Handler) AutoComplete(c *gin.Context) {
	h.completion(c, h.svc.Lessons.CheckAndAutoComplete(c.Request.Context()))
}

// VideoProgress handles POST /lessons/current/video-progress.
func (h *Handler) VideoProgress(c *gin.Context) {
	var req VideoProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	sent, err := h.svc.Lessons.ReportVideoProgress(c.Request.Context(), req.Percent)
	if err != nil {
		response.Failure(c, err, gin.H{"sent": sent})
		return
	}
	response.OK(c, gin.H{"sent": sent})
}
