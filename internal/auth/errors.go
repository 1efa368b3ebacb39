package auth

import "errors"

// Sentinel errors for the auth package.
var (
	// ErrRefreshTokenReused is returned when a consumed refresh token is presented again, indicating potential token
	// theft.
	ErrRefreshTokenReused   = errors.New("refresh token reused")
	ErrInvalidEmail         = errors.New("invalid email format")
	ErrUsernameLength       = errors.New("username must be between 3 and 50 characters")
	ErrUsernameInvalidChars = errors.New("username may only contain letters, digits, and underscores")
	ErrPasswordTooShort     = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong      = errors.New("password must be at most 128 characters")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrDisposableEmail      = errors.New("disposable email addresses are not allowed")
	ErrEmailAlreadyTaken    = errors.New("email or username already taken")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrAccountInactive      = errors.New("account has been deactivated")
)
