// Package api defines the gateway's transport-neutral request/response
// envelopes: a JSON body in, a JSON body out, independent of whatever HTTP
// framing wraps them.
package api

import (
	"encoding/json"
	"strings"
)

// InboundEnvelope is the full inbound request: the caller's params plus
// whatever headers the transport collected.
type InboundEnvelope struct {
	Params  json.RawMessage     `json:"params"`
	Headers map[string][]string `json:"headers"`
}

// HeaderValue returns the first value of header name (case-sensitive;
// callers normalize the name before calling), trimmed, or "" if absent.
func (e InboundEnvelope) HeaderValue(name string) string {
	values, ok := e.Headers[name]
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// Response is the outbound envelope returned for every request, success or
// failure.
type Response struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data,omitempty"`
	Error    string   `json:"error,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Metadata carries optional diagnostic payloads alongside a response.
type Metadata struct {
	Logs   []string `json:"logs,omitempty"`
	Traces []string `json:"traces,omitempty"`
}

// FailureData is the structured shape carried in Response.Data on failure.
// HTTPStatus carries the status the producing component assigned the
// failure (per the error taxonomy), so transports map it directly instead
// of re-deriving a status from Code.
type FailureData struct {
	Code       string         `json:"code"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
}
