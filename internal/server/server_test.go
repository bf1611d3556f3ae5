package server

import (
	"context"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fhir-cors-proxy/internal/client"
	"fhir-cors-proxy/internal/config"
	"fhir-cors-proxy/internal/handler"
	"fhir-cors-proxy/internal/metrics"
	"fhir-cors-proxy/internal/service"
)

const capabilityStatement = `{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1"}`

// testConfig binds to a random loopback port and trusts the given TLS servers.
func testConfig(t *testing.T, timeoutSeconds int, upstreams ...*httptest.Server) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Upstream.TimeoutSeconds = timeoutSeconds

	if len(upstreams) > 0 {
		var pemData []byte
		for _, u := range upstreams {
			pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: u.Certificate().Raw})...)
		}
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, pemData, 0o600))
		cfg.Upstream.CAFile = path
	}
	return cfg
}

// startProxy wires the full stack the way the binary does and returns the base URL.
func startProxy(t *testing.T, cfg *config.Config) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	fc, err := client.NewFHIRClient(cfg, logger, m)
	require.NoError(t, err)
	t.Cleanup(fc.Close)

	e := NewEcho(cfg, logger, m)
	handler.RegisterRoutes(e,
		handler.NewProxyHandler(service.NewProxyService(fc, cfg, logger), logger),
		handler.NewHealthHandler(cfg, "test"),
	)
	RegisterMetrics(e, cfg, m)

	srv := New(e, cfg, logger)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
	})
	return "http://" + srv.Addr()
}

func proxyPath(target string) string {
	return "/proxy?url=" + url.QueryEscape(target)
}

func TestServer_StartStop(t *testing.T) {
	cfg := testConfig(t, 5)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	srv := New(e, cfg, logger)
	assert.Equal(t, "127.0.0.1:0", srv.Addr())

	require.NoError(t, srv.Start(context.Background()))
	require.Error(t, srv.Start(context.Background()), "second Start should fail")

	addr := srv.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx), "Stop after Stop is a no-op")

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener should be closed")
}

func TestServer_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, 5)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	srv := New(echo.New(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestServer_EndToEnd(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fhir/metadata":
			w.Header().Set("Content-Type", "application/fhir+json")
			_, _ = io.WriteString(w, capabilityStatement)
		default:
			w.Header().Set("Content-Type", "application/fhir+json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"resourceType":"OperationOutcome"}`)
		}
	}))
	defer upstream.Close()

	cfg := testConfig(t, 5, upstream)
	cfg.Metrics.Enabled = true
	base := startProxy(t, cfg)
	ex := httpexpect.Default(t, base)

	t.Run("health", func(t *testing.T) {
		for _, path := range []string{"/health", "/healthz"} {
			ex.GET(path).Expect().
				Status(http.StatusOK).
				JSON().Object().
				HasValue("status", "ok").
				HasValue("service", "FHIR CORS Proxy")
		}
	})

	t.Run("relays capability statement", func(t *testing.T) {
		resp := ex.GET("/proxy").WithQuery("url", upstream.URL+"/fhir/metadata").Expect()
		resp.Status(http.StatusOK)
		resp.Header("Access-Control-Allow-Origin").IsEqual("*")
		resp.Header("Content-Type").IsEqual("application/fhir+json")
		resp.Body().IsEqual(capabilityStatement)
	})

	t.Run("any path forwards", func(t *testing.T) {
		ex.GET("/whatever").WithQuery("url", upstream.URL+"/fhir/metadata").Expect().
			Status(http.StatusOK).
			Body().IsEqual(capabilityStatement)
	})

	t.Run("relays upstream 404", func(t *testing.T) {
		ex.GET("/proxy").WithQuery("url", upstream.URL+"/fhir/missing").Expect().
			Status(http.StatusNotFound).
			JSON().Object().HasValue("resourceType", "OperationOutcome")
	})

	t.Run("validation errors", func(t *testing.T) {
		ex.GET("/proxy").Expect().
			Status(http.StatusBadRequest).
			JSON().Object().HasValue("error", "Missing url parameter")
		ex.GET("/proxy").WithQuery("url", "not a url").Expect().
			Status(http.StatusBadRequest).
			JSON().Object().HasValue("error", "Invalid URL format")
		ex.GET("/proxy").WithQuery("url", "http://example.org/fhir/metadata").Expect().
			Status(http.StatusBadRequest).
			Header("Access-Control-Allow-Origin").IsEqual("*")
	})

	t.Run("preflight", func(t *testing.T) {
		resp := ex.OPTIONS("/proxy").Expect()
		resp.Status(http.StatusOK)
		resp.Header("Access-Control-Allow-Methods").IsEqual(config.DefaultAllowMethods)
		resp.Header("Access-Control-Allow-Headers").IsEqual(config.DefaultAllowHeaders)
		resp.Body().IsEmpty()
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp := ex.POST("/proxy").WithQuery("url", upstream.URL).Expect()
		resp.Status(http.StatusMethodNotAllowed)
		resp.Header("Access-Control-Allow-Origin").IsEqual("*")
		resp.JSON().Object().HasValue("error", "Method Not Allowed")
	})

	t.Run("metrics", func(t *testing.T) {
		ex.GET("/metrics").Expect().
			Status(http.StatusOK).
			Body().Contains("fhir_cors_proxy_fetch_outcomes_total")
	})
}

func TestServer_UnreachableTarget(t *testing.T) {
	base := startProxy(t, testConfig(t, 5))
	ex := httpexpect.Default(t, base)

	obj := ex.GET("/proxy").WithQuery("url", "https://nonexistent.invalid/metadata").Expect().
		Status(http.StatusBadGateway).
		JSON().Object()
	obj.HasValue("error", "Failed to connect to FHIR server")
	obj.Value("details").String().NotEmpty()
}

func TestServer_ConcurrentRequestsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	stalled := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer stalled.Close()
	defer close(release)

	fast := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = io.WriteString(w, capabilityStatement)
	}))
	defer fast.Close()

	base := startProxy(t, testConfig(t, 2, stalled, fast))

	type result struct {
		status  int
		elapsed time.Duration
	}
	const fastCount = 5
	var (
		wg       sync.WaitGroup
		stalledR result
		fastR    = make([]result, fastCount)
	)

	get := func(target string) result {
		start := time.Now()
		resp, err := http.Get(base + proxyPath(target))
		if err != nil {
			return result{status: -1, elapsed: time.Since(start)}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return result{status: resp.StatusCode, elapsed: time.Since(start)}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		stalledR = get(stalled.URL + "/metadata")
	}()
	// Give the stalled request a head start so the fast ones overlap it.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < fastCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			fastR[i] = get(fmt.Sprintf("%s/metadata?n=%d", fast.URL, i))
		}()
	}
	wg.Wait()

	for i, r := range fastR {
		assert.Equal(t, http.StatusOK, r.status, "fast request %d", i)
		assert.Less(t, r.elapsed, time.Second, "fast request %d waited on the stalled one", i)
	}
	assert.Equal(t, http.StatusBadGateway, stalledR.status)
	assert.GreaterOrEqual(t, stalledR.elapsed, 2*time.Second)
	assert.Less(t, stalledR.elapsed, 5*time.Second)
}
