package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a session failure.
type Kind string

// Failure kinds surfaced to the scheduler.
const (
	KindTimeout           Kind = "timeout"
	KindValidation        Kind = "validation_failed"
	KindProxyUnavailable  Kind = "proxy_unavailable"
	KindCapability        Kind = "capability_error"
	KindTargetUnavailable Kind = "target_unavailable"
	KindCancelled         Kind = "cancelled"
)

// Severity tells the scheduler whether it may keep spawning sessions.
type Severity int

const (
	// SeverityRecoverable failures are local to one session.
	SeverityRecoverable Severity = iota
	// SeverityFatal failures are configuration errors; the scheduler idles.
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}
	return "recoverable"
}

// Error is a classified session failure.
type Error struct {
	Kind  Kind
	Msg   string
	Err   error
	fatal bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Severity reports whether the failure is a configuration error.
func (e *Error) Severity() Severity {
	if e.fatal {
		return SeverityFatal
	}
	return SeverityRecoverable
}

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func configError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err, fatal: true}
}

// KindOf returns the failure kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err is a configuration error.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Severity() == SeverityFatal
}

// proxySignatures are failure message fragments that point at the egress
// proxy rather than the target page.
var proxySignatures = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"deadline exceeded",
	"proxyconnect",
	"proxy authentication required",
	"socks connect",
	"network is unreachable",
	"no route to host",
	"unexpected eof",
	"err_proxy",
	"err_tunnel",
	"err_timed_out",
}

// IsProxySuspect reports whether a failure should count against the proxy.
// Timeouts always do; validation failures, cancellation and generic page
// errors never do.
func IsProxySuspect(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTimeout:
		return true
	case KindValidation, KindTargetUnavailable, KindProxyUnavailable, KindCancelled:
		return false
	}
	cause := err
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		cause = e.Err
	}
	msg := strings.ToLower(cause.Error())
	for _, sig := range proxySignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
