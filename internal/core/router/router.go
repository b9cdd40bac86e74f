// Package router maps the resource routes onto the mirror read path.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
	"github.com/mohammed-shakir/feature-mirror/internal/csvqueue"
	"github.com/mohammed-shakir/feature-mirror/internal/mirror"
)

const (
	routeResource = "/resources/{service}/{item}/{layer}"
	routeCSV      = "/csv/{id}"

	// csvService is the service segment CSV sources are stored under.
	csvService = "csv"
)

// Resources is the read path the routes serve; *mirror.Service implements it.
type Resources interface {
	CacheResource(ctx context.Context, k model.ResourceKey, opts mirror.Options) (mirror.Response, error)
	DropResource(ctx context.Context, k model.ResourceKey, opts mirror.DropOptions) error
}

// Mount registers the resource routes on r.
func Mount(r chi.Router, logger *slog.Logger, svc Resources) {
	r.Get(routeResource, GetResource(logger, svc))
	r.Delete(routeResource, DropResource(logger, svc))
	r.Get(routeCSV, GetCSV(logger, svc))
}

func GetResource(logger *slog.Logger, svc Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, routeResource, sw.code, time.Since(start).Seconds())
		}()

		k, err := resourceKey(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err.Error())
			return
		}
		opts, err := ParseOptions(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err.Error())
			return
		}
		resp, err := svc.CacheResource(r.Context(), k, opts)
		if err != nil {
			writeServiceError(r.Context(), logger, sw, k, err)
			return
		}
		writeResponse(sw, resp)
	}
}

func DropResource(logger *slog.Logger, svc Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, routeResource, sw.code, time.Since(start).Seconds())
		}()

		k, err := resourceKey(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err.Error())
			return
		}
		force, err := parseBool(r, "force")
		if err != nil {
			writeError(sw, http.StatusBadRequest, err.Error())
			return
		}
		if err := svc.DropResource(r.Context(), k, mirror.DropOptions{Force: force}); err != nil {
			writeServiceError(r.Context(), logger, sw, k, err)
			return
		}
		logger.InfoContext(r.Context(), "resource dropped", "resource", k.String(), "force", force)
		sw.WriteHeader(http.StatusNoContent)
	}
}

// GetCSV serves a CSV source stored under csv:<id>:0. The url parameter is
// required the first time an id is seen.
func GetCSV(logger *slog.Logger, svc Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, routeCSV, sw.code, time.Since(start).Seconds())
		}()

		id := strings.TrimSpace(chi.URLParam(r, "id"))
		k := model.ResourceKey{Service: csvService, Item: id}
		if err := k.Validate(); err != nil {
			writeError(sw, http.StatusBadRequest, err.Error())
			return
		}
		opts, err := ParseOptions(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err.Error())
			return
		}
		opts.Kind = model.KindCSV
		opts.CSVID = id
		resp, err := svc.CacheResource(r.Context(), k, opts)
		if err != nil {
			writeServiceError(r.Context(), logger, sw, k, err)
			return
		}
		writeResponse(sw, resp)
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func resourceKey(r *http.Request) (model.ResourceKey, error) {
	layer, err := strconv.Atoi(chi.URLParam(r, "layer"))
	if err != nil {
		return model.ResourceKey{}, fmt.Errorf("invalid layer %q", chi.URLParam(r, "layer"))
	}
	k := model.ResourceKey{
		Service: strings.TrimSpace(chi.URLParam(r, "service")),
		Item:    strings.TrimSpace(chi.URLParam(r, "item")),
		Layer:   layer,
	}
	if err := k.Validate(); err != nil {
		return model.ResourceKey{}, err
	}
	return k, nil
}

// ParseOptions reads url, kind, offset, limit and fresh from the query string.
func ParseOptions(r *http.Request) (mirror.Options, error) {
	q := r.URL.Query()
	opts := mirror.Options{SourceURL: strings.TrimSpace(q.Get("url"))}

	switch kind := model.Kind(strings.TrimSpace(q.Get("kind"))); kind {
	case "", model.KindFeatureService, model.KindHosted, model.KindCSV:
		opts.Kind = kind
	default:
		return mirror.Options{}, fmt.Errorf("invalid kind %q", kind)
	}

	var err error
	if opts.Offset, err = parseNonNegative(r, "offset"); err != nil {
		return mirror.Options{}, err
	}
	if opts.Limit, err = parseNonNegative(r, "limit"); err != nil {
		return mirror.Options{}, err
	}
	if opts.WaitFresh, err = parseBool(r, "fresh"); err != nil {
		return mirror.Options{}, err
	}
	return opts, nil
}

func parseNonNegative(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative integer", name, raw)
	}
	return n, nil
}

func parseBool(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, raw)
	}
	return b, nil
}

type cachedBody struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
	Info     model.Info        `json:"info"`
}

type processingBody struct {
	Status    model.Status `json:"status"`
	Resource  string       `json:"resource"`
	ElapsedMs int64        `json:"elapsedMs"`
	Processed int          `json:"processed"`
	Total     int          `json:"total,omitempty"`
}

type failedBody struct {
	Status   model.Status     `json:"status"`
	Resource string           `json:"resource"`
	Error    *model.ErrorInfo `json:"error"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Size    int64  `json:"size,omitempty"`
		Limit   int64  `json:"limit,omitempty"`
	} `json:"error"`
}

func writeResponse(w http.ResponseWriter, resp mirror.Response) {
	switch resp.State {
	case mirror.StateProcessing:
		body := processingBody{
			Status:    model.StatusProcessing,
			Resource:  resp.Info.Key,
			ElapsedMs: resp.Elapsed.Milliseconds(),
		}
		if resp.Progress != nil {
			body.Processed = resp.Progress.Processed
			body.Total = resp.Progress.Total
		}
		writeJSON(w, http.StatusAccepted, body)
	case mirror.StateFailed:
		writeJSON(w, http.StatusBadGateway, failedBody{
			Status:   model.StatusFailed,
			Resource: resp.Info.Key,
			Error:    resp.Info.Error,
		})
	default:
		feats := resp.Features
		if feats == nil {
			feats = []json.RawMessage{}
		}
		writeJSON(w, http.StatusOK, cachedBody{Type: "FeatureCollection", Features: feats, Info: resp.Info})
	}
}

func writeServiceError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, k model.ResourceKey, err error) {
	var tooLarge *csvqueue.TooLargeError
	switch {
	case errors.Is(err, mirror.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &tooLarge):
		var body errorBody
		body.Error.Message = err.Error()
		body.Error.Code = http.StatusRequestEntityTooLarge
		body.Error.Size = tooLarge.Size
		body.Error.Limit = tooLarge.Limit
		writeJSON(w, http.StatusRequestEntityTooLarge, body)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		logger.ErrorContext(ctx, "resource request failed", "resource", k.String(), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	var body errorBody
	body.Error.Message = msg
	body.Error.Code = code
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
