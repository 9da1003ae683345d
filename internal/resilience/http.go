package resilience

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body written when a handler fails without having
// responded
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newErrorResponse(code, message string) ErrorResponse {
	var r ErrorResponse
	r.Error.Code = code
	r.Error.Message = message
	return r
}

// Recovery replaces gin.Recovery: panics are recorded on g and, unless the
// handler already wrote something, answered with a JSON 500
func Recovery(g *Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			source := "http " + c.Request.Method + " " + c.FullPath()
			g.record(ErrorRecord{
				Time:    time.Now(),
				Source:  source,
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
				Fatal:   true,
			})
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					newErrorResponse("INTERNAL_ERROR", "internal error"))
				return
			}
			c.Abort()
		}()
		c.Next()
	}
}

// Responder is the reply side of an externally triggered event
type Responder interface {
	Respond(ok bool, data any)
	Responded() bool
}

// HandleEvent runs handler for an inbound event. The caller gets exactly
// one response: an error reply if the handler failed or panicked before
// responding, an empty success if it returned without responding.
func HandleEvent(g *Guard, event string, r Responder, handler func() error) {
	err := Safe(handler)
	if err == nil {
		if !r.Responded() {
			r.Respond(true, nil)
		}
		return
	}
	g.Report("event "+event, err)
	if !r.Responded() {
		r.Respond(false, map[string]string{"error": err.Error()})
	}
}
