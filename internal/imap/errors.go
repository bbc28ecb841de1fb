package imap

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrAuthFailed marks credential rejection. Auth failures never retry and
// fail the account immediately for the run.
var ErrAuthFailed = errors.New("imap authentication failed")

// ErrNetwork marks a transport failure that survived all retry attempts.
var ErrNetwork = errors.New("imap network error")

var authPhrases = []string{
	"authentication failed",
	"authenticationfailed",
	"invalid credentials",
	"login failed",
	"username and password not accepted",
}

// IsAuthError detects credential rejection in server responses.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range authPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPhrases = []string{
	"temporarily unavailable",
	"try again",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no such host",
	"server busy",
}

// IsTransient reports whether the error is worth retrying with backoff.
// Auth errors are never transient regardless of shape.
func IsTransient(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
