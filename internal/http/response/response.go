package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/im2-registry/internal/domain/jobs"
	"github.com/yungbote/im2-registry/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondServiceError maps a registry error onto the HTTP status its code
// conventionally carries. Errors without a code come back as 500s.
func RespondServiceError(c *gin.Context, err error) {
	code := string(types.CodeOf(err))
	RespondError(c, apierr.StatusForCode(code), code, err)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
