package auth

import "fmt"

// ErrorKind classifies why a token was rejected.
type ErrorKind int

const (
	KindMalformed ErrorKind = iota + 1
	KindExpired
	KindInvalidSignature
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindExpired:
		return "expired"
	case KindInvalidSignature:
		return "invalid_signature"
	default:
		return "unknown"
	}
}

// AuthError is returned by Verify for any rejected credential.
type AuthError struct {
	Kind ErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s token: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth: %s token", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }
