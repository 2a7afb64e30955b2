package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon
	ErrNotFound = errors.New("404 not found")
)

// StatusError is a non-2xx response from the daemon.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := e.Body
	// Daemon errors are JSON strings.
	var s string
	if json.Unmarshal([]byte(e.Body), &s) == nil {
		msg = s
	}
	return fmt.Sprintf("got %d: %s", e.Code, msg)
}

// IsConflict reports whether err means the cuff is busy.
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusConflict
}
