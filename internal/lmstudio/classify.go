package lmstudio

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"syscall"
)

const defaultExcerptChars = 500

// Failure is the classification of one failed attempt. Each flag drives a
// different recovery path in the scorer.
type Failure struct {
	Connectivity              bool
	UnsupportedResponseFormat bool
	SwitchToJSONSchema        bool
	UnsupportedReasoning      bool
	EmptyParse                bool
	ModelCrash                bool
}

// Classify inspects err (and its text) for the known server failure
// signatures.
func Classify(err error) Failure {
	if err == nil {
		return Failure{}
	}
	text := strings.ToLower(err.Error())
	return Failure{
		Connectivity:              IsConnectivityFailure(err),
		UnsupportedResponseFormat: isUnsupportedResponseFormat(text),
		SwitchToJSONSchema:        shouldSwitchToJSONSchema(text),
		UnsupportedReasoning:      isUnsupportedReasoning(text),
		EmptyParse:                strings.Contains(text, "no valid results parsed from 0 result nodes"),
		ModelCrash:                isModelCrash(text),
	}
}

// IsConnectivityFailure reports timeouts, refused connections and failed
// dials. Cancellation by the caller is not a connectivity failure.
func IsConnectivityFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "timed out") ||
		strings.Contains(text, "connection refused") ||
		strings.Contains(text, "couldn't connect")
}

func isUnsupportedResponseFormat(text string) bool {
	if !strings.Contains(text, "response_format") {
		return false
	}
	return containsAny(text, "unsupported", "unknown", "must be", "json_schema", "json object")
}

func shouldSwitchToJSONSchema(text string) bool {
	if !strings.Contains(text, "response_format") || !strings.Contains(text, "json_schema") {
		return false
	}
	return containsAny(text, "must be", "use ")
}

func isUnsupportedReasoning(text string) bool {
	if !containsAny(text, "reasoning_effort", "thinking", "chat_template_kwargs", "enable_thinking") {
		return false
	}
	return containsAny(text, "unsupported", "unknown", "unexpected", "invalid")
}

func isModelCrash(text string) bool {
	return (strings.Contains(text, "model") && strings.Contains(text, "crash")) ||
		strings.Contains(text, "exit code")
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// ExcerptForLog collapses whitespace and truncates content for log lines.
// Blank content yields "".
func ExcerptForLog(content string, maxChars int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	compact := strings.TrimSpace(whitespaceRun.ReplaceAllString(content, " "))
	r := []rune(compact)
	if len(r) <= maxChars {
		return compact
	}
	return string(r[:maxChars]) + "...(truncated)"
}
