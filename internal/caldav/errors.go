package caldav

import "errors"

var (
	// ErrPreconditionFailed means the remote copy changed since we last
	// read it and a conditional write was refused.
	ErrPreconditionFailed = errors.New("caldav: precondition failed")

	// ErrUnavailable means the remote server could not be reached or
	// answered with a server-side failure.
	ErrUnavailable = errors.New("caldav: remote unavailable")

	// ErrNotFound means the requested resource does not exist remotely.
	ErrNotFound = errors.New("caldav: resource not found")
)
