// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// Outcome tags the result of a single outbound fetch.
type Outcome int

const (
	// OutcomeSuccess means the target answered with a status line and a
	// fully read body. Non-2xx statuses are successes too.
	OutcomeSuccess Outcome = iota
	// OutcomeUpstreamStatus means a status line arrived but the response
	// could not be relayed.
	OutcomeUpstreamStatus
	// OutcomeConnectivity means no usable response arrived: DNS, dial, TLS,
	// timeout or cancellation.
	OutcomeConnectivity
	// OutcomeUnknown covers everything else.
	OutcomeUnknown
)

// String returns a bounded label suitable for logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeUpstreamStatus:
		return "upstream_status"
	case OutcomeConnectivity:
		return "connectivity"
	default:
		return "unknown"
	}
}

// FetchResult is the tagged result of fetching a target URL.
// Only the fields relevant to Outcome are populated.
type FetchResult struct {
	Outcome    Outcome
	StatusCode int
	Header     http.Header
	Body       []byte

	// Reason is the reason phrase for OutcomeUpstreamStatus, the failure
	// reason for OutcomeConnectivity and the message for OutcomeUnknown.
	Reason string
}

// Success builds a relayable result.
func Success(status int, header http.Header, body []byte) *FetchResult {
	return &FetchResult{Outcome: OutcomeSuccess, StatusCode: status, Header: header, Body: body}
}

// UpstreamStatusError builds a result for a status that could not be relayed.
func UpstreamStatusError(status int, reason string) *FetchResult {
	return &FetchResult{Outcome: OutcomeUpstreamStatus, StatusCode: status, Reason: reason}
}

// ConnectivityError builds a result for a target that could not be reached.
func ConnectivityError(reason string) *FetchResult {
	return &FetchResult{Outcome: OutcomeConnectivity, Reason: reason}
}

// UnknownError builds a result for an unanticipated failure.
func UnknownError(msg string) *FetchResult {
	return &FetchResult{Outcome: OutcomeUnknown, Reason: msg}
}

// ErrorBody is the JSON payload of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
