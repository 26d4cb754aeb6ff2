// Package httpapi exposes the session broker over HTTP (gin-gonic/gin),
// wiring AdmissionController, SessionManager, TaskDispatcher, and
// MessageIngestor behind the envelope contract in SPEC_FULL.md §6.
package httpapi

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/sessionbroker/broker/internal/common/errors"
)

// Envelope is the shared response shape for every route.
type Envelope struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Envelope{Success: true, Message: message, Data: data})
}

// fail records err on the gin context; ErrorHandler renders the envelope
// once the handler chain unwinds, so every failure path writes through one
// place regardless of which handler produced it.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func badRequest(c *gin.Context, message string) {
	fail(c, apperrors.Validation(message))
}

// writeErrorEnvelope renders err as a failure Envelope, optionally attaching
// extra data (e.g. conflict_session_id on a CONFLICT admission decision).
func writeErrorEnvelope(c *gin.Context, err error, data interface{}) {
	status := apperrors.HTTPStatus(err)
	message := err.Error()
	code := ""
	if appErr, isAppErr := asAppError(err); isAppErr {
		message = appErr.Message
		code = appErr.Code
	}
	c.JSON(status, Envelope{Success: false, Message: message, ErrorCode: code, Data: data})
}

func asAppError(err error) (*apperrors.AppError, bool) {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if appErr, isAppErr := e.(*apperrors.AppError); isAppErr {
			return appErr, true
		}
		u, isUnwrapper := e.(unwrapper)
		if !isUnwrapper {
			break
		}
		e = u.Unwrap()
	}
	return nil, false
}
