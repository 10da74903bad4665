package session

import "errors"

var (
	// ErrMalformedToken reports a token that is not three dot-separated
	// segments or whose payload is not a decodable JSON object.
	ErrMalformedToken = errors.New("malformed token")

	// ErrAuthenticationFailed wraps provider rejections and transport failures.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrIdentity reports a provider-accepted login whose claims could not be read.
	ErrIdentity = errors.New("identity error")

	// ErrStorageUnavailable reports a failed read or write of durable session state.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrLoginInProgress is returned when a login is attempted while another
	// one on the same session has not finished.
	ErrLoginInProgress = errors.New("login already in progress")

	// ErrLoginSuperseded is returned by a login that was still running when
	// the session was logged out. Its result is discarded.
	ErrLoginSuperseded = errors.New("login superseded by logout")
)
