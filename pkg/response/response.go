package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourdreams-academy/academy-sync/pkg/apperror"
)

// Body is the standard control API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err})
}

// Failure sends the status matching err's kind, with data attached when non-nil.
func Failure(c *gin.Context, err error, data interface{}) {
	kind := apperror.KindOf(err)
	c.JSON(StatusFor(err), Body{Success: false, Data: data, Error: apperror.Message(err), Kind: string(kind)})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch apperror.KindOf(err) {
	case apperror.KindConcurrent:
		return http.StatusConflict
	case apperror.KindPrecondition:
		return http.StatusUnprocessableEntity
	case apperror.KindNetworkTimeout:
		return http.StatusGatewayTimeout
	case apperror.KindNetwork, apperror.KindServerError, apperror.KindInvalidResponseShape:
		return http.StatusBadGateway
	case apperror.KindServerRejected:
		if s := apperror.StatusOf(err); s >= 400 && s < 500 {
			return s
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
