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
	"strings"
	"testing"
	"time"

	"github.com/parlo-labs/liverelay/pkg/gateway/config"
	gatewayserver "github.com/parlo-labs/liverelay/pkg/gateway/server"
	"github.com/parlo-labs/liverelay/pkg/store"
)

func relayTestConfig() config.Config {
	return config.Config{
		Addr:                   "127.0.0.1:0",
		JWTSecret:              "cmd-test-secret",
		GeminiAPIKey:           "key",
		UpstreamModel:          "gemini-live-test",
		UpstreamFallbackModel:  "gemini-text-test",
		UpstreamConnectTimeout: 15 * time.Second,

		WSPingInterval:     20 * time.Second,
		WSWriteTimeout:     5 * time.Second,
		TurnSilencePadding: 300 * time.Millisecond,
		MaxTurnBufferBytes: 8 << 20,

		ReadHeaderTimeout:   10 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, relayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		openStore: func(cfg config.Config, logger *slog.Logger) (store.Store, error) {
			t.Fatalf("openStore should not be called when config load fails")
			return nil, nil
		},
		newGateway: func(cfg config.Config, logger *slog.Logger, st store.Store) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRunRelay_ReportsStoreOpenFailure(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := runRelay(context.Background(), logger, relayDeps{
		loadConfig: func() (config.Config, error) { return relayTestConfig(), nil },
		openStore: func(cfg config.Config, logger *slog.Logger) (store.Store, error) {
			return nil, errors.New("dial refused")
		},
		newGateway: func(cfg config.Config, logger *slog.Logger, st store.Store) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when the store fails to open")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if err == nil || !strings.Contains(err.Error(), "open store") {
		t.Fatalf("expected store open error, got %v", err)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

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
		t.Fatalf("ReadTimeout=%v, want none for long-lived sockets", srv.ReadTimeout)
	}
}

func TestOpenStore_DefaultsToMemory(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := openStore(config.Config{}, logger)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()

	if _, ok := st.(*store.MemoryStore); !ok {
		t.Fatalf("store type=%T, want *store.MemoryStore", st)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gatewayserver.New(relayTestConfig(), logger, store.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
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
