package server

import (
	"errors"
	"fmt"
	"strings"
)

// requestError is a failure whose message is safe to send to the peer.
type requestError struct {
	message string
}

func (e *requestError) Error() string { return e.message }

func newRequestError(format string, args ...any) error {
	return &requestError{message: fmt.Sprintf(format, args...)}
}

var (
	errInvalidCredentials = &requestError{message: "invalid user or password"}
	errUnauthorized       = &requestError{message: "unauthorized access"}
	errCallerNotFound     = &requestError{message: "caller not found"}
	errAccessDenied       = &requestError{message: "access denied"}
	errSignalTooLarge     = &requestError{message: "signal too large"}
	errStorage            = &requestError{message: "storage failure"}
)

func invalidPayload(field string) error {
	return newRequestError("invalid request payload: %s", field)
}

func notFound(entity string) error {
	return newRequestError("%s not found", entity)
}

func unrecognizedType(t MessageType) error {
	return newRequestError("unrecognized request type %q", string(t))
}

// publicMessage returns the peer-facing text for err and whether err was an
// expected request failure.
func publicMessage(err error) (string, bool) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.message, true
	}
	return "internal error", false
}

// CloseError reports sessions that did not finish tearing down before the
// close deadline.
type CloseError struct {
	Open       int
	SessionIDs []string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("%d session(s) still open: %s", e.Open, strings.Join(e.SessionIDs, ", "))
}

var (
	errSessionClosed = errors.New("session closed")
	errLineTooLong   = errors.New("request line too long")
)
