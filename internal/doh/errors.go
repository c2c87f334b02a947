package doh

import (
	"fmt"
	"strings"
)

// Kind classifies why a platform attempt failed.
type Kind int

const (
	KindNotConfigured Kind = iota + 1
	KindTranscode
	KindAuth
	KindUpload
	KindPost
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindNotConfigured:
		return "not configured"
	case KindTranscode:
		return "transcode"
	case KindAuth:
		return "auth"
	case KindUpload:
		return "upload"
	case KindPost:
		return "post"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Error is the failure carried by a PostResult.
type Error struct {
	Platform string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " failure"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a platform and kind.
func NewError(platform string, kind Kind, err error) *Error {
	return &Error{Platform: platform, Kind: kind, Err: err}
}

// Errorf formats a new Error of the given kind.
func Errorf(platform string, kind Kind, format string, args ...any) *Error {
	return &Error{Platform: platform, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NotConfiguredError is returned when required credentials are missing.
type NotConfiguredError struct {
	Platform string
	Fields   []string
}

func (e NotConfiguredError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s credentials not configured", e.Platform)
	}
	return fmt.Sprintf("%s credentials not configured (missing %s)", e.Platform, strings.Join(e.Fields, ", "))
}

// ValidationError captures input problems found before anything is sent.
type ValidationError struct {
	Provider string
	Reason   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Provider, e.Reason)
}
