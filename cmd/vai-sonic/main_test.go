package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-sonic/pkg/gateway/server"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/builtins"
	"github.com/vango-go/vai-sonic/pkg/gateway/upstream"
)

func smokeConfig() config.Config {
	return config.Config{
		Addr:                 "127.0.0.1:0",
		AuthMode:             config.AuthModeDisabled,
		APIKeys:              map[string]struct{}{},
		CORSAllowedOrigins:   map[string]struct{}{},
		Upstream:             config.UpstreamBedrock,
		PlaybackBlock:        20 * time.Millisecond,
		ToolTimeout:          time.Second,
		ToolCacheTTL:         time.Minute,
		ToolCacheMaxEntries:  8,
		ToolSweepSchedule:    "@every 1m",
		LiveHandshakeTimeout: time.Second,
		LiveWSWriteTimeout:   time.Second,
		ReadHeaderTimeout:    time.Second,
		ShutdownGracePeriod:  time.Second,
	}
}

func newSmokeGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, error) {
	return gatewayserver.New(ctx, cfg, logger,
		gatewayserver.WithDialer(upstream.DialerFunc(func(context.Context) (upstream.Transport, error) {
			return nil, upstream.ErrClosed
		})),
		gatewayserver.WithTools(builtins.NewRegistry(builtins.Deps{})),
	)
}

func noSignals() (func(chan<- os.Signal, ...os.Signal), func(chan<- os.Signal)) {
	return func(c chan<- os.Signal, sig ...os.Signal) {}, func(c chan<- os.Signal) {}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil
		},
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want the config error", got)
	}
}

func TestRunMain_ReturnsNonZeroWhenGatewayBuildFails(t *testing.T) {
	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) { return smokeConfig(), nil },
		newGateway: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, error) {
			return nil, errors.New("no credentials")
		},
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "build gateway") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_StopsCleanlyOnCancel(t *testing.T) {
	notify, stop := noSignals()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	var stderr bytes.Buffer
	exitCode := runMain(ctx, &stderr, gatewayDeps{
		loadConfig:   func() (config.Config, error) { return smokeConfig(), nil },
		newGateway:   newSmokeGateway,
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 0 {
		t.Fatalf("exitCode=%d, stderr=%q", exitCode, stderr.String())
	}
	if got := stderr.String(); !strings.Contains(got, "gateway stopped") {
		t.Fatalf("stderr=%q, want a stop log line", got)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != 0 {
		t.Fatalf("ReadTimeout=%v, want 0 for long-lived sockets", srv.ReadTimeout)
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "SONIC_DOTENV_PROBE"
	t.Setenv(key, "")
	_ = os.Unsetenv(key)

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(key+"=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Fatalf("%s=%q, want from-file", key, got)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := newSmokeGateway(context.Background(), smokeConfig(), logger)
	if err != nil {
		t.Fatalf("newSmokeGateway: %v", err)
	}

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
