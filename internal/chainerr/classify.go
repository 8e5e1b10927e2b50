package chainerr

import (
	"context"
	"net"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// rateLimitCode is the JSON-RPC code providers use for "limit exceeded".
const rateLimitCode = -32005

var (
	status429    = regexp.MustCompile(`\b429\b`)
	status5xxBad = regexp.MustCompile(`\b50[234]\b`)
)

// Classify inspects a raw error (no sentinels) and maps it onto a class.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 429:
			return RateLimit
		case 502, 503, 504:
			return Transient
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rateLimitCode {
		return RateLimit
	}

	s := strings.ToLower(err.Error())
	switch {
	case isRateLimit(s):
		return RateLimit
	case isNonceConflict(s):
		return NonceConflict
	case isInsufficient(s):
		return InsufficientBalance
	case strings.Contains(s, "execution reverted"), strings.Contains(s, "reverted"):
		return Reverted
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	if isTransientNetwork(s) {
		return Transient
	}
	return Unknown
}

func isRateLimit(s string) bool {
	return strings.Contains(s, "too many requests") ||
		status429.MatchString(s) ||
		strings.Contains(s, "-32005") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "request limit")
}

func isNonceConflict(s string) bool {
	return strings.Contains(s, "nonce too low") ||
		strings.Contains(s, "already known") ||
		strings.Contains(s, "known transaction") ||
		strings.Contains(s, "replacement transaction underpriced") ||
		strings.Contains(s, "nonce has already been used")
}

func isInsufficient(s string) bool {
	return strings.Contains(s, "insufficient funds") ||
		strings.Contains(s, "insufficient balance")
}

// isTransientNetwork detects short-lived provider/transport failures worth retrying.
func isTransientNetwork(s string) bool {
	for _, p := range []string{
		"context deadline exceeded",
		"client.timeout exceeded",
		"i/o timeout",
		"tls handshake timeout",
		"connection reset",
		"connection refused",
		"broken pipe",
		"no such host",
		"eof",
	} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return status5xxBad.MatchString(s)
}

// IsAlreadyKnown reports the pool answer for a transaction it already holds.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "already known") || strings.Contains(s, "known transaction")
}

// RevertReason pulls the short reason out of "execution reverted: <reason>".
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	const p = "execution reverted"
	i := strings.Index(strings.ToLower(s), p)
	if i < 0 {
		return ""
	}
	rest := strings.TrimSpace(s[i+len(p):])
	return strings.TrimSpace(strings.TrimPrefix(rest, ":"))
}

// Reason normalizes err into a short human-readable line for logs.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch ClassOf(err) {
	case RateLimit:
		return "[RATE_LIMIT] provider throttled the request"
	case Reverted:
		if r := RevertReason(err); r != "" {
			return "[REVERT] " + r
		}
		return "[REVERT] execution reverted"
	case NonceConflict:
		return "[NONCE] " + err.Error()
	case InsufficientBalance:
		return "[BALANCE] " + err.Error()
	case Transient:
		return "[RPC] " + err.Error()
	case Connectivity:
		return "[CONNECT] " + err.Error()
	case Configuration:
		return "[CONFIG] " + err.Error()
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "invalid character '<'") {
		return "non-JSON/HTML response (proxy/cf?)"
	}
	return err.Error()
}
