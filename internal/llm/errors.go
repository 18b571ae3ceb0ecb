package llm

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the normative error taxonomy for LLM calls.
type ErrorKind string

const (
	KindRateLimited  ErrorKind = "rate_limited"
	KindUnauthorized ErrorKind = "unauthorized"
	KindTransient    ErrorKind = "transient"
	KindParse        ErrorKind = "parse"
	KindTimeout      ErrorKind = "timeout"
	KindCancelled    ErrorKind = "cancelled"
	KindUnknown      ErrorKind = "unknown"
)

// Error wraps a provider failure with its classification.
type Error struct {
	Kind       ErrorKind
	Provider   Provider
	Model      string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	if e.Model != "" {
		b.WriteString("/" + e.Model)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the resilient wrapper may walk the fallback
// chain for this error.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

var retryableSubstrings = []string{
	"rate limit",
	"too many requests",
	"fetch failed",
	"econnrefused",
	"econnreset",
	"enotfound",
	"network",
	"timeout",
	"timed out",
	"socket hang up",
	"aborted",
}

var retryAfterRe = regexp.MustCompile(`(?i)retry[- ]after[:\s]+(\d+)`)

// Classify turns a raw provider error into a taxonomy entry. Status code 0
// means the transport never produced one; classification then falls back to
// substring matching.
func Classify(provider Provider, model string, statusCode int, err error) *Error {
	out := &Error{Provider: provider, Model: model, StatusCode: statusCode, Err: err}
	if err == nil {
		out.Kind = KindUnknown
		return out
	}
	if errors.Is(err, context.Canceled) {
		out.Kind = KindCancelled
		return out
	}

	msg := strings.ToLower(err.Error())

	switch {
	case statusCode == 401 || statusCode == 403,
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		out.Kind = KindUnauthorized
	case statusCode == 429:
		out.Kind = KindRateLimited
	case retryableStatus[statusCode]:
		out.Kind = KindTransient
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		out.Kind = KindRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		out.Kind = KindTimeout
	case containsAny(msg, retryableSubstrings),
		strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		out.Kind = KindTransient
	default:
		out.Kind = KindUnknown
	}

	if out.Kind == KindRateLimited {
		if m := retryAfterRe.FindStringSubmatch(err.Error()); m != nil {
			if secs, perr := strconv.Atoi(m[1]); perr == nil {
				out.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Hint returns the category-specific next step surfaced to users on
// terminal failure.
func (k ErrorKind) Hint() string {
	switch k {
	case KindRateLimited:
		return "Rate limits usually reset within a minute or two."
	case KindUnauthorized:
		return "Check the API key for this provider."
	case KindTransient, KindTimeout:
		return "This looks temporary. Try again, or try a simpler request."
	case KindParse:
		return "The model returned malformed output. Retrying usually fixes this."
	case KindCancelled:
		return "The request was cancelled."
	default:
		return "Try a simpler request."
	}
}
