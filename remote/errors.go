package remote

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/offsync/offsync/model"
)

// StatusError is a non-2xx response from the service. For conflict
// responses the server's copy of the item is attached when the body
// contained one.
type StatusError struct {
	StatusCode int
	Body       string
	ServerItem *model.Record
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote request failed with status %d: %s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a server conflict: the item was
// changed remotely since the client last saw it (412), or an insert hit
// an existing id (409).
func IsConflict(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusConflict || se.StatusCode == http.StatusPreconditionFailed
}

// IsAuthenticationError reports whether err means the caller's
// credentials were rejected.
func IsAuthenticationError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}

// IsNetworkError reports whether err is a transport failure rather than
// a response from the service: DNS, dial, timeout, reset, cancellation.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ServerItem extracts the server's copy of the item from a conflict
// error, or nil when the error carried none.
func ServerItem(err error) *model.Record {
	var se *StatusError
	if errors.As(err, &se) {
		return se.ServerItem
	}
	return nil
}
