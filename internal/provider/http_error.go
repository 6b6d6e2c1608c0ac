package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/palantir/equity-enrichment-pipeline/internal/util"
)

// errorEnvelope covers the error bodies returned by the providers we call:
// OpenFIGI ({"error": "..."}), quote-summary ({"finance": {"error": {...}}}) and
// generic {"message": "..."} responses. Other fields are ignored.
type errorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Finance *struct {
		Error *apiError `json:"error"`
	} `json:"finance"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// HTTPError is a sanitized summary of a non-2xx provider response.
//
// Important: do not include raw response bodies here (can leak tokens).
type HTTPError struct {
	Provider   string
	Op         string
	StatusCode int
	Status     string
	Code       string
	Message    string

	// Snippet is a redacted, truncated hint for responses without a known envelope.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "provider http error"
	}
	parts := []string{
		fmt.Sprintf("%s api error: op=%s status=%s", strings.TrimSpace(e.Provider), strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.Code) != "" {
		parts = append(parts, "code="+strings.TrimSpace(e.Code))
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

// Retryable reports whether the status is worth another attempt
// (throttling, request timeout, server errors).
func (e *HTTPError) Retryable() bool {
	if e == nil {
		return false
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode/100 == 5:
		return true
	}
	return false
}

func newHTTPError(provider, op string, resp *http.Response, body []byte) *HTTPError {
	h := &HTTPError{
		Provider: provider,
		Op:       op,
	}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	// Best effort: parse a known error envelope.
	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		if env.Finance != nil && env.Finance.Error != nil {
			h.Code = strings.TrimSpace(env.Finance.Error.Code)
			h.Message = util.RedactSecrets(env.Finance.Error.Description)
		}
		if len(env.Error) > 0 && h.Message == "" {
			var s string
			var ae apiError
			switch {
			case json.Unmarshal(env.Error, &s) == nil:
				h.Message = util.RedactSecrets(s)
			case json.Unmarshal(env.Error, &ae) == nil:
				h.Code = strings.TrimSpace(ae.Code)
				h.Message = util.RedactSecrets(ae.Description)
			}
		}
		if h.Message == "" {
			h.Message = util.RedactSecrets(env.Message)
		}
		if h.Code != "" || h.Message != "" {
			h.Message = truncate(h.Message, maxSnippet)
			return h
		}
	}

	// Fallback: include a small, redacted hint only.
	h.Snippet = redactAndTruncate(body)
	return h
}

const maxSnippet = 256

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	// Keep this small: response bodies can contain sensitive data.
	b := body
	if len(b) > maxSnippet {
		b = b[:maxSnippet]
	}
	s := util.RedactSecrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > maxSnippet {
		return s + "..."
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
