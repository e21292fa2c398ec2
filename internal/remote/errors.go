package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTokenExpired is returned before a request is even attempted when the
// configured access token's exp claim has passed.
var ErrTokenExpired = errors.New("remote: access token expired")

// StatusError is a non-2xx response from the remote store.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.Code, e.Body)
}

// Transient reports whether the failure is worth retrying on the next
// triggered drain. Server-side errors and throttling are transient;
// validation and permission failures are rejections requiring user action.
func (e *StatusError) Transient() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// IsRejection reports whether err is a terminal remote rejection, as
// opposed to a transient network or server failure.
func IsRejection(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Transient()
	}
	return errors.Is(err, ErrTokenExpired)
}
