// Package service implements target validation and forwarding.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"fhir-cors-proxy/internal/config"
	"fhir-cors-proxy/internal/model"
)

// Validation errors. Their messages are the client-facing error strings.
var (
	ErrMissingURL     = errors.New("Missing url parameter")
	ErrInvalidURL     = errors.New("Invalid URL format")
	ErrHTTPSOnly      = errors.New("Only HTTPS URLs are allowed")
	ErrHostNotAllowed = errors.New("Target host is not allowed")
)

// TargetParam is the query parameter carrying the target URL.
const TargetParam = "url"

// Fetcher performs the outbound request for a validated target.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL) *model.FetchResult
}

// ProxyService validates targets and forwards requests to them.
type ProxyService struct {
	fetcher      Fetcher
	logger       *slog.Logger
	allowedHosts map[string]bool
}

// NewProxyService creates a ProxyService. An empty upstream.allowed_hosts
// list permits any host.
func NewProxyService(f Fetcher, cfg *config.Config, logger *slog.Logger) *ProxyService {
	var allowed map[string]bool
	if len(cfg.Upstream.AllowedHosts) > 0 {
		allowed = make(map[string]bool, len(cfg.Upstream.AllowedHosts))
		for _, h := range cfg.Upstream.AllowedHosts {
			allowed[strings.ToLower(h)] = true
		}
	}

	return &ProxyService{
		fetcher:      f,
		logger:       logger.With("component", "proxy_service"),
		allowedHosts: allowed,
	}
}

// Target extracts and validates the target URL from query. Only the first
// value of a repeated parameter is used.
//
// The scheme check is done on the raw text because url.Parse lowercases
// schemes; "HTTPS://..." is rejected.
func (s *ProxyService) Target(query url.Values) (*url.URL, error) {
	raw := query.Get(TargetParam)
	if raw == "" {
		return nil, ErrMissingURL
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" || u.Hostname() == "" {
		return nil, ErrInvalidURL
	}

	if !strings.HasPrefix(raw, "https:") {
		return nil, ErrHTTPSOnly
	}

	if s.allowedHosts != nil && !s.allowedHosts[strings.ToLower(u.Hostname())] {
		return nil, ErrHostNotAllowed
	}

	return u, nil
}

// Forward fetches target. The result is never nil.
func (s *ProxyService) Forward(ctx context.Context, target *url.URL) *model.FetchResult {
	s.logger.Debug("forwarding request", "host", target.Host)
	return s.fetcher.Fetch(ctx, target)
}
