package oauth

import "errors"

// OAuth manager errors
var (
	ErrInvalidProviderConfig = errors.New("invalid oauth provider configuration")
	ErrProviderNotFound      = errors.New("oauth provider not registered")
	ErrNoToken               = errors.New("no token stored for provider")
	ErrNoRefreshToken        = errors.New("token has no refresh token")
	ErrRefreshFailed         = errors.New("token refresh failed")
	ErrExchangeFailed        = errors.New("authorization code exchange failed")
	ErrAuthTimeout           = errors.New("timed out waiting for authorization")
	ErrAuthDenied            = errors.New("authorization denied by provider")
	ErrInvalidState          = errors.New("Invalid state - possible CSRF")
	ErrMissingCode           = errors.New("callback has no authorization code")
	ErrInvalidCallbackURL    = errors.New("invalid callback URL")
	ErrManagerClosed         = errors.New("oauth manager is closed")
)
