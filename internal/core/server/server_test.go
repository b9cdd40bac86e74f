package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/feature-mirror/internal/core/config"
	"github.com/mohammed-shakir/feature-mirror/internal/core/health"
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/mirror"
)

type stubResources struct{}

func (stubResources) CacheResource(context.Context, model.ResourceKey, mirror.Options) (mirror.Response, error) {
	return mirror.Response{State: mirror.StateCached}, nil
}

func (stubResources) DropResource(context.Context, model.ResourceKey, mirror.DropOptions) error {
	return nil
}

func TestHandler_Routes(t *testing.T) {
	cfg := config.Config{MetricsPath: "/metrics"}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	h := Handler(cfg, slog.New(slog.DiscardHandler), Deps{
		Resources: stubResources{},
		Ready:     health.Ping(func(context.Context) error { return nil }),
		Metrics:   metrics,
	})

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/resources/svc/item/0", http.StatusOK},
		{http.MethodDelete, "/resources/svc/item/0", http.StatusNoContent},
		{http.MethodGet, "/csv/places", http.StatusOK},
		{http.MethodPost, "/resources/svc/item/0", http.StatusMethodNotAllowed},
		{http.MethodGet, "/query", http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != tc.want {
			t.Fatalf("%s %s: status=%d want %d", tc.method, tc.path, rr.Code, tc.want)
		}
	}
}

func TestHandler_NoMetricsWhenDisabled(t *testing.T) {
	h := Handler(config.Config{}, slog.New(slog.DiscardHandler), Deps{Resources: stubResources{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, config.Config{Addr: "127.0.0.1:0"}, slog.New(slog.DiscardHandler), Deps{Resources: stubResources{}})
	}()
	cancel()
	if err := <-done; err != nil && !strings.Contains(err.Error(), "closed") {
		t.Fatalf("run: %v", err)
	}
}

func TestHandler_ProbesOnly(t *testing.T) {
	h := Handler(config.Config{}, slog.New(slog.DiscardHandler), Deps{
		Ready: health.Ping(func(context.Context) error { return context.DeadlineExceeded }),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d want 503", rr.Code)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/resources/svc/item/0", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("resource routes must be absent, status=%d", rr.Code)
	}
}
