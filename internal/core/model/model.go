// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResourceKey identifies one mirrored (service, item, layer) tuple.
type ResourceKey struct {
	Service string
	Item    string
	Layer   int
}

// String renders the persisted form "<service>:<item>:<layer>".
func (k ResourceKey) String() string {
	return k.Service + ":" + k.Item + ":" + strconv.Itoa(k.Layer)
}

// LockID is the lock granularity: per (item, layer).
func (k ResourceKey) LockID() string {
	return k.Item + ":" + strconv.Itoa(k.Layer)
}

func (k ResourceKey) Validate() error {
	if strings.TrimSpace(k.Service) == "" {
		return errors.New("resource key: service is required")
	}
	if strings.TrimSpace(k.Item) == "" {
		return errors.New("resource key: item is required")
	}
	if strings.Contains(k.Service, ":") || strings.Contains(k.Item, ":") {
		return errors.New("resource key: service and item must not contain ':'")
	}
	if k.Layer < 0 {
		return errors.New("resource key: layer must be >= 0")
	}
	return nil
}

func ParseResourceKey(s string) (ResourceKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ResourceKey{}, fmt.Errorf("resource key %q: want service:item:layer", s)
	}
	layer, err := strconv.Atoi(parts[2])
	if err != nil {
		return ResourceKey{}, fmt.Errorf("resource key %q: layer: %w", s, err)
	}
	k := ResourceKey{Service: parts[0], Item: parts[1], Layer: layer}
	if err := k.Validate(); err != nil {
		return ResourceKey{}, err
	}
	return k, nil
}

type Status string

const (
	StatusProcessing Status = "Processing"
	StatusCached     Status = "Cached"
	StatusFailed     Status = "Failed"
	StatusExpired    Status = "Expired"
)

// CanTransition reports whether the lifecycle allows moving from s to next.
// The empty status stands for a document that does not exist yet.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case "":
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCached || next == StatusFailed || next == StatusProcessing
	case StatusCached:
		return next == StatusExpired
	case StatusExpired:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing
	}
	return false
}

type Kind string

const (
	KindFeatureService Kind = "featureservice"
	KindHosted         Kind = "hosted"
	KindCSV            Kind = "csv"
)

type GeometryType string

const (
	GeometryPoint      GeometryType = "Point"
	GeometryMultiPoint GeometryType = "MultiPoint"
	GeometryLine       GeometryType = "LineString"
	GeometryPolygon    GeometryType = "Polygon"
	GeometryUnknown    GeometryType = ""
)

type Field struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Alias  string `json:"alias,omitempty"`
	Length int    `json:"length,omitempty"`
}

// ErrorInfo is the structured failure payload stored on a Failed document.
type ErrorInfo struct {
	Message          string    `json:"message"`
	Code             int       `json:"code,omitempty"`
	UpstreamURL      string    `json:"upstreamUrl,omitempty"`
	UpstreamResponse string    `json:"upstreamResponse,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ExportJobs maps export key -> format -> job marker. Owned by the export layer.
type ExportJobs map[string]map[string]json.RawMessage

// Info is the per-resource cache state document.
type Info struct {
	Key            string       `json:"key"`
	Kind           Kind         `json:"kind"`
	Status         Status       `json:"status"`
	SourceURL      string       `json:"sourceUrl"`
	RetrievedAt    time.Time    `json:"retrievedAt,omitzero"`
	ExpiresAt      time.Time    `json:"expiresAt,omitzero"`
	LastEditDate   *time.Time   `json:"lastEditDate,omitempty"`
	RecordCount    int          `json:"recordCount"`
	Fields         []Field      `json:"fields,omitempty"`
	GeometryType   GeometryType `json:"geometryType,omitempty"`
	ContentHash    string       `json:"contentHash,omitempty"`
	Error          *ErrorInfo   `json:"error,omitempty"`
	Generating     ExportJobs   `json:"generating,omitempty"`
	Generated      ExportJobs   `json:"generated,omitempty"`
	ImportEnqueued *time.Time   `json:"importEnqueued,omitempty"`
	ImportStarted  *time.Time   `json:"importStarted,omitempty"`
}

// Feature is one GeoJSON feature in the internal representation.
type Feature struct {
	Type       string          `json:"type"`
	ID         any             `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}
