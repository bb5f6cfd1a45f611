package auth

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrMissingCredentials is returned when a request carries neither an
	// Authorization header nor presigned query parameters.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrMalformedCredentials is returned when the credential fields cannot
	// be parsed.
	ErrMalformedCredentials = errors.New("malformed credentials")

	// ErrUnknownAccessKey is returned when the access key is not recognised.
	ErrUnknownAccessKey = errors.New("unknown access key")

	// ErrSignatureMismatch is returned when the computed signature differs
	// from the one presented.
	ErrSignatureMismatch = errors.New("signature does not match")

	// ErrRequestExpired is returned for presigned requests used after their
	// X-Amz-Expires window.
	ErrRequestExpired = errors.New("request has expired")
)

type User struct {
	AccessKeyID string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns the authenticated
	// User; otherwise it returns an error describing why the request was
	// rejected.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}
