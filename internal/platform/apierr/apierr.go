package apierr

import "fmt"

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// ForCode wraps err with the HTTP status conventionally carried by the
// registry's error codes. Unknown codes map to 500.
func ForCode(code string, err error) *Error {
	return &Error{Status: StatusForCode(code), Code: code, Err: err}
}

func StatusForCode(code string) int {
	switch code {
	case "not_found":
		return 404
	case "conflict", "illegal_transition", "contended":
		return 409
	case "pipeline_paused", "unavailable":
		return 503
	case "terminal", "bad_request":
		return 400
	default:
		return 500
	}
}
