package accounts

import (
	"errors"
	"fmt"
)

// Kind classifies a lookup failure.
type Kind int

const (
	// KindNotFound means the requested entity does not exist: a cache miss
	// after best effort, an upstream 404, or a syntactically invalid name.
	KindNotFound Kind = iota + 1
	// KindBackend means an upstream HTTP, transport, parse, or schema failure.
	KindBackend
	// KindOutOfQuota means a token bucket rejected the request.
	KindOutOfQuota
	// KindLifecycle means server lifecycle misuse (start while serving,
	// shutdown while stopped).
	KindLifecycle
)

// Error is the lookup error shared by the cache, the API client, and the
// dispatcher. Wait is only meaningful for KindOutOfQuota.
type Error struct {
	Kind    Kind
	Message string
	Wait    float64 // estimated seconds until quota is available
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Backendf builds a KindBackend error wrapping cause, which may be nil when
// the failure is fully described by the message.
func Backendf(cause error, format string, args ...any) error {
	return &Error{Kind: KindBackend, Message: fmt.Sprintf(format, args...), Err: cause}
}

// OutOfQuota builds a KindOutOfQuota error carrying the wait hint.
func OutOfQuota(waitSeconds float64) error {
	return &Error{
		Kind:    KindOutOfQuota,
		Message: fmt.Sprintf("no quota available for [%.1f] seconds", waitSeconds),
		Wait:    waitSeconds,
	}
}

// Lifecyclef builds a KindLifecycle error.
func Lifecyclef(format string, args ...any) error {
	return &Error{Kind: KindLifecycle, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the lookup kind of err, or 0 when err is not a lookup error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsLookup reports whether err belongs to the lookup taxonomy. Anything else
// escaping a handler or the refresh task is fatal to the server.
func IsLookup(err error) bool { return KindOf(err) != 0 }

// IsNotFound reports whether err is a KindNotFound lookup error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
