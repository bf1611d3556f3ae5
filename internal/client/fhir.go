// Package client provides the outbound HTTP client for FHIR servers.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"fhir-cors-proxy/internal/config"
	"fhir-cors-proxy/internal/metrics"
	"fhir-cors-proxy/internal/model"
)

const maxRedirects = 10

var (
	// ErrInsecureRedirect is returned when a target redirects to a non-HTTPS URL.
	ErrInsecureRedirect = errors.New("redirect to non-HTTPS URL refused")
	// ErrTooManyRedirects is returned after maxRedirects hops.
	ErrTooManyRedirects = fmt.Errorf("stopped after %d redirects", maxRedirects)
)

// FHIRClient fetches resources from FHIR servers.
type FHIRClient struct {
	httpClient *http.Client
	userAgent  string
	accept     string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewFHIRClient creates a FHIRClient whose Timeout bounds connect, TLS,
// headers and the full body read.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFHIRClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*FHIRClient, error) {
	tlsConfig, err := newTLSConfig(cfg.Upstream.CAFile)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsConfig,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.Timeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &FHIRClient{
		httpClient: &http.Client{
			Transport:     transport,
			Timeout:       cfg.Upstream.Timeout(),
			CheckRedirect: checkRedirect,
		},
		userAgent: cfg.Upstream.UserAgent,
		accept:    cfg.Upstream.Accept,
		logger:    logger.With("component", "fhir_client"),
		metrics:   m,
	}, nil
}

// newTLSConfig returns nil (Go defaults) unless extra PEM roots are configured.
func newTLSConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	b, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	if ok := pool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("no certificates found in CA file %s", caFile)
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if req.URL.Scheme != "https" {
		return ErrInsecureRedirect
	}
	if len(via) >= maxRedirects {
		return ErrTooManyRedirects
	}
	return nil
}

// Fetch issues a GET for target and reads the whole response.
// It never returns a nil result; failures are encoded in the result's Outcome.
// The context bounds the call in addition to the client timeout, so an
// inbound disconnect aborts the outbound request.
func (c *FHIRClient) Fetch(ctx context.Context, target *url.URL) *model.FetchResult {
	start := time.Now()
	res := c.fetch(ctx, target)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		outcome := res.Outcome.String()
		c.metrics.UpstreamDuration.WithLabelValues(outcome).Observe(duration)
		c.metrics.FetchOutcomes.WithLabelValues(outcome).Inc()
		if res.StatusCode != 0 {
			c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(res.StatusCode)).Inc()
		}
	}

	return res
}

func (c *FHIRClient) fetch(ctx context.Context, target *url.URL) *model.FetchResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return model.UnknownError(fmt.Sprintf("build upstream request: %v", err))
	}
	req.Header.Set("Accept", c.accept)
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("upstream request", "host", target.Host, "path", target.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// A failed read of a 2xx/3xx body must not be relayed under the
		// success status, so only error statuses keep their code.
		if isConnectivity(ctx, err) || resp.StatusCode < http.StatusBadRequest {
			return model.ConnectivityError(err.Error())
		}
		c.logger.Debug("upstream body read failed", "status", resp.StatusCode, "err", err)
		return model.UpstreamStatusError(resp.StatusCode, reasonPhrase(resp))
	}

	return model.Success(resp.StatusCode, resp.Header, body)
}

// Close drops idle upstream connections.
func (c *FHIRClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// classify maps an error returned by http.Client.Do onto a result.
func classify(err error) *model.FetchResult {
	if errors.Is(err, ErrInsecureRedirect) || errors.Is(err, ErrTooManyRedirects) {
		return model.UnknownError(err.Error())
	}

	// Client.Do wraps every transport failure (DNS, dial, TLS, timeout,
	// cancellation) in *url.Error; report the inner reason without the
	// method and URL prefix.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return model.ConnectivityError(urlErr.Err.Error())
	}

	return model.UnknownError(err.Error())
}

func isConnectivity(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// reasonPhrase returns the status text sent by the server, e.g. "Not Found".
func reasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if phrase := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); phrase != "" {
		return phrase
	}
	return http.StatusText(resp.StatusCode)
}
