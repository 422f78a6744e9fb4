package inbox

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRejected matches every admission refusal.
var ErrRejected = errors.New("activity rejected")

// RejectError carries the HTTP status an admission refusal maps to. Reason
// is for logs only and never reaches the peer.
type RejectError struct {
	Code   int
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Code, e.Reason)
}

func (e *RejectError) Is(target error) bool {
	return target == ErrRejected
}

func reject(code int, format string, args ...any) *RejectError {
	return &RejectError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StatusCode maps an Admit result to the response status.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusCreated
	}
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return http.StatusInternalServerError
}
