// Package api is the client of the academy REST API.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/yourdreams-academy/academy-sync/internal/metrics"
	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
)

const defaultTimeout = 10 * time.Second

// TokenSource supplies the bearer token for authenticated calls. An empty token sends none.
type TokenSource interface {
	AccessToken() string
}

// Config configures the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the academy API and classifies every failure as an *apperror.Error.
type Client struct {
	http     *resty.Client
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// errorBody is the API's error envelope; different endpoints fill different fields.
type errorBody struct {
	Detail  string `json:"detail"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewClient creates a client. tokens and m may be nil.
func NewClient(cfg Config, tokens TokenSource, m *metrics.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout)
	if tokens != nil {
		httpClient.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if tok := tokens.AccessToken(); tok != "" {
				r.SetAuthToken(tok)
			}
			return nil
		})
	}
	return &Client{
		http:     httpClient,
		validate: validator.New(),
		metrics:  m,
		logger:   logger,
	}
}

// StartGuestSession creates a guest preview session.
func (c *Client) StartGuestSession(ctx context.Context) (*StartGuestSessionResponse, error) {
	var out StartGuestSessionResponse
	if _, err := c.do(ctx, "guest.start", http.MethodPost, "/guest/session/start", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateGuestSession checks a guest session. A 410 surfaces as server_rejected with Status 410.
func (c *Client) ValidateGuestSession(ctx context.Context, sessionID string) (*ValidateGuestSessionResponse, error) {
	var out ValidateGuestSessionResponse
	params := map[string]string{"id": sessionID}
	if _, err := c.do(ctx, "guest.validate", http.MethodGet, "/guest/session/{id}/validate", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteLesson records a lesson completion.
func (c *Client) CompleteLesson(ctx context.Context, lessonID int64, req CompleteLessonRequest) (*CompleteLessonResponse, error) {
	var out CompleteLessonResponse
	params := map[string]string{"id": lessonPath(lessonID)}
	if _, err := c.do(ctx, "lessons.complete", http.MethodPost, "/lessons/{id}/complete", params, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAnswer grades one exercise answer.
func (c *Client) SubmitAnswer(ctx context.Context, lessonID int64, questionID QuestionID, answer string) (*ExerciseResult, error) {
	var out ExerciseResult
	params := map[string]string{"id": lessonPath(lessonID), "qid": string(questionID)}
	if _, err := c.do(ctx, "lessons.submit", http.MethodPost, "/lessons/{id}/exercises/{qid}/submit", params, SubmitAnswerRequest{Answer: answer}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CourseProgress fetches the server's progress figures for a course.
func (c *Client) CourseProgress(ctx context.Context, courseCode string) (*CourseProgress, error) {
	var out CourseProgress
	params := map[string]string{"code": courseCode}
	if _, err := c.do(ctx, "courses.progress", http.MethodGet, "/courses/{code}/progress", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CourseLessons lists a course's lessons.
func (c *Client) CourseLessons(ctx context.Context, courseCode string) ([]Lesson, error) {
	var out LessonsResponse
	params := map[string]string{"code": courseCode}
	if _, err := c.do(ctx, "courses.lessons", http.MethodGet, "/courses/{code}/lessons", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Lessons, nil
}

// LessonDetail fetches one lesson with its exercises.
func (c *Client) LessonDetail(ctx context.Context, courseCode string, lessonID int64) (*Lesson, error) {
	var out Lesson
	params := map[string]string{"code": courseCode, "id": lessonPath(lessonID)}
	if _, err := c.do(ctx, "courses.lesson", http.MethodGet, "/courses/{code}/lessons/{id}", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enroll enrolls the current identity in a course. 200 means already enrolled, 201 newly enrolled.
func (c *Client) Enroll(ctx context.Context, courseCode string) (*EnrollResponse, error) {
	var out EnrollResponse
	params := map[string]string{"code": courseCode}
	resp, err := c.do(ctx, "courses.enroll", http.MethodPost, "/courses/{code}/enroll", params, nil, &out)
	if err != nil {
		return nil, err
	}
	out.AlreadyEnrolled = resp.StatusCode() == http.StatusOK
	return &out, nil
}

// ReportVideoProgress records how far a lesson video has been watched.
func (c *Client) ReportVideoProgress(ctx context.Context, lessonID int64, percent int) error {
	params := map[string]string{"id": lessonPath(lessonID)}
	_, err := c.do(ctx, "lessons.video", http.MethodPost, "/lessons/{id}/video-progress", params, VideoProgressRequest{ProgressPercentage: percent}, nil)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, params map[string]string, body, result interface{}) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetError(&errorBody{})
	if params != nil {
		req.SetPathParams(params)
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	c.observe(op, resp, start)

	if err != nil {
		if resp != nil && resp.RawResponse != nil && !resp.IsError() {
			return resp, apperror.Wrap(apperror.KindInvalidResponseShape, op, err)
		}
		if resp == nil || resp.RawResponse == nil {
			return resp, classifyTransport(op, err)
		}
	}
	if resp.IsError() {
		return resp, classifyStatus(op, resp)
	}
	if result != nil {
		if verr := c.validate.Struct(result); verr != nil {
			c.logger.Warn("unexpected response shape", zap.String("op", op), zap.Error(verr))
			return resp, &apperror.Error{Kind: apperror.KindInvalidResponseShape, Op: op, Status: resp.StatusCode(), Message: "unexpected response from server", Err: verr}
		}
	}
	return resp, nil
}

func (c *Client) observe(op string, resp *resty.Response, start time.Time) {
	status := "error"
	if resp != nil && resp.RawResponse != nil {
		status = strconv.Itoa(resp.StatusCode())
	}
	c.metrics.ObserveAPI(op, status, time.Since(start).Seconds())
}

func classifyTransport(op string, err error) *apperror.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &apperror.Error{Kind: apperror.KindNetworkTimeout, Op: op, Message: "request timed out", Err: err}
	}
	return &apperror.Error{Kind: apperror.KindNetwork, Op: op, Message: "network error", Err: err}
}

func classifyStatus(op string, resp *resty.Response) *apperror.Error {
	status := resp.StatusCode()
	msg := http.StatusText(status)
	if eb, ok := resp.Error().(*errorBody); ok && eb != nil {
		switch {
		case eb.Detail != "":
			msg = eb.Detail
		case eb.Error != "":
			msg = eb.Error
		case eb.Message != "":
			msg = eb.Message
		}
	}
	kind := apperror.KindUnknown
	switch {
	case status >= 500:
		kind = apperror.KindServerError
	case status >= 400:
		kind = apperror.KindServerRejected
	}
	return &apperror.Error{Kind: kind, Op: op, Status: status, Message: msg}
}
