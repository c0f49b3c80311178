package auth

import "fmt"

// Kind classifies why a credential was rejected.
type Kind string

const (
	KindMissing      Kind = "missing_token"
	KindInvalid      Kind = "invalid_token"
	KindExpired      Kind = "expired_token"
	KindMissingClaim Kind = "missing_claim"
)

// Error is returned by every failing verification. Callers match the kind
// with errors.Is against the package sentinels.
type Error struct {
	Kind  Kind
	Claim string
	Err   error
}

var (
	ErrMissing      = &Error{Kind: KindMissing}
	ErrInvalid      = &Error{Kind: KindInvalid}
	ErrExpired      = &Error{Kind: KindExpired}
	ErrMissingClaim = &Error{Kind: KindMissingClaim}
)

func (e *Error) Error() string {
	switch {
	case e.Claim != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Claim)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Claim == "" || t.Claim == e.Claim)
}

func failure(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func missingClaim(name string) *Error {
	return &Error{Kind: KindMissingClaim, Claim: name}
}
