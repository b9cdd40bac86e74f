// Package esri talks to remote ArcGIS-style feature services: layer metadata,
// counts, statistics, object-ID lists and feature pages.
package esri

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
)

// bodies longer than this are sent as form posts
const maxGetQuery = 1800

// Capabilities are the query features the Paging Engine selects a strategy from.
type Capabilities struct {
	SupportsPagination bool
	SupportsStatistics bool
	MaxRecordCount     int
	ObjectIDField      string
}

type LayerInfo struct {
	Name         string
	GeometryType model.GeometryType
	Fields       []model.Field
	Capabilities Capabilities
	LastEditDate *time.Time
}

type layerInfoWire struct {
	Name                      string        `json:"name"`
	GeometryType              string        `json:"geometryType"`
	ObjectIDField             string        `json:"objectIdField"`
	MaxRecordCount            int           `json:"maxRecordCount"`
	Fields                    []model.Field `json:"fields"`
	SupportsStatistics        bool          `json:"supportsStatistics"`
	SupportsPagination        bool          `json:"supportsPagination"`
	AdvancedQueryCapabilities *struct {
		SupportsPagination bool `json:"supportsPagination"`
		SupportsStatistics bool `json:"supportsStatistics"`
	} `json:"advancedQueryCapabilities"`
	EditingInfo *struct {
		LastEditDate *int64 `json:"lastEditDate"`
	} `json:"editingInfo"`
}

// Feature is one feature in the service's native JSON form.
type Feature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry"`
}

type FeatureSet struct {
	GeometryType          string    `json:"geometryType"`
	ObjectIDFieldName     string    `json:"objectIdFieldName"`
	Features              []Feature `json:"features"`
	ExceededTransferLimit bool      `json:"exceededTransferLimit"`
}

type Client struct {
	http *http.Client
	log  *slog.Logger
}

func NewClient(hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{http: hc, log: log}
}

// IsHosted reports whether u points at a managed hosted-services endpoint.
func IsHosted(u string) bool {
	p, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := strings.ToLower(p.Hostname())
	return strings.HasPrefix(host, "services") && strings.HasSuffix(host, ".arcgis.com")
}

func (c *Client) LayerInfo(ctx context.Context, layerURL string) (LayerInfo, error) {
	var w layerInfoWire
	u := strings.TrimRight(layerURL, "/") + "?f=json"
	if err := c.getJSON(ctx, "layer_info", u, nil, &w); err != nil {
		return LayerInfo{}, err
	}

	info := LayerInfo{
		Name:         w.Name,
		GeometryType: MapGeometryType(w.GeometryType),
		Fields:       w.Fields,
		Capabilities: Capabilities{
			SupportsPagination: w.SupportsPagination,
			SupportsStatistics: w.SupportsStatistics,
			MaxRecordCount:     w.MaxRecordCount,
			ObjectIDField:      w.ObjectIDField,
		},
	}
	if a := w.AdvancedQueryCapabilities; a != nil {
		info.Capabilities.SupportsPagination = info.Capabilities.SupportsPagination || a.SupportsPagination
		info.Capabilities.SupportsStatistics = info.Capabilities.SupportsStatistics || a.SupportsStatistics
	}
	if info.Capabilities.ObjectIDField == "" {
		for _, f := range w.Fields {
			if f.Type == "esriFieldTypeOID" {
				info.Capabilities.ObjectIDField = f.Name
				break
			}
		}
	}
	if w.EditingInfo != nil && w.EditingInfo.LastEditDate != nil {
		t := time.UnixMilli(*w.EditingInfo.LastEditDate).UTC()
		info.LastEditDate = &t
	}
	return info, nil
}

// LastEditDate returns the layer's edit watermark, nil when edit tracking is off.
func (c *Client) LastEditDate(ctx context.Context, layerURL string) (*time.Time, error) {
	info, err := c.LayerInfo(ctx, layerURL)
	if err != nil {
		return nil, err
	}
	return info.LastEditDate, nil
}

func (c *Client) Count(ctx context.Context, layerURL string) (int, error) {
	var out struct {
		Count *int `json:"count"`
	}
	if err := c.getJSON(ctx, "count", QueryURL(layerURL), Query{ReturnCountOnly: true}.Values(), &out); err != nil {
		return 0, err
	}
	if out.Count == nil {
		return 0, &ParseError{URL: layerURL, Err: fmt.Errorf("count missing from response")}
	}
	return *out.Count, nil
}

// Stats returns min and max of the object-ID field.
func (c *Client) Stats(ctx context.Context, layerURL, oidField string) (int64, int64, error) {
	f := SafeField(oidField)
	q := Query{OutStatistics: []Statistic{
		{Type: "min", Field: f, OutName: "min_oid"},
		{Type: "max", Field: f, OutName: "max_oid"},
	}}
	var fs FeatureSet
	if err := c.getJSON(ctx, "stats", QueryURL(layerURL), q.Values(), &fs); err != nil {
		return 0, 0, err
	}
	if len(fs.Features) == 0 {
		return 0, 0, &ParseError{URL: layerURL, Err: fmt.Errorf("statistics response has no features")}
	}
	attrs := fs.Features[0].Attributes
	lo, okLo := attrInt(attrs, "min_oid")
	hi, okHi := attrInt(attrs, "max_oid")
	if !okLo || !okHi {
		return 0, 0, &ParseError{URL: layerURL, Err: fmt.Errorf("statistics response missing min_oid/max_oid")}
	}
	return lo, hi, nil
}

// ObjectIDs returns every object ID in ascending order.
func (c *Client) ObjectIDs(ctx context.Context, layerURL string) ([]int64, error) {
	var out struct {
		ObjectIDs []int64 `json:"objectIds"`
	}
	if err := c.getJSON(ctx, "object_ids", QueryURL(layerURL), Query{ReturnIDsOnly: true}.Values(), &out); err != nil {
		return nil, err
	}
	sort.Slice(out.ObjectIDs, func(i, j int) bool { return out.ObjectIDs[i] < out.ObjectIDs[j] })
	return out.ObjectIDs, nil
}

// FetchPage runs one feature query.
func (c *Client) FetchPage(ctx context.Context, layerURL string, q Query) (*FeatureSet, error) {
	var fs FeatureSet
	if err := c.getJSON(ctx, "page", QueryURL(layerURL), q.Values(), &fs); err != nil {
		return nil, err
	}
	return &fs, nil
}

func (c *Client) getJSON(ctx context.Context, call, u string, params url.Values, dst any) error {
	req, err := c.newRequest(ctx, u, params)
	if err != nil {
		return &TransportError{URL: u, Err: err}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency(call, time.Since(start).Seconds())
	if err != nil {
		return &TransportError{URL: u, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{URL: u, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{URL: u, Status: resp.StatusCode}
	}

	body = Sanitize(body)
	if uerr := upstreamError(u, body); uerr != nil {
		return uerr
	}
	if err := json.Unmarshal(body, dst); err != nil {
		c.log.Debug("esri decode failed", "call", call, "url", u, "error", err)
		return &ParseError{URL: u, Body: truncate(body, 2048), Err: err}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, u string, params url.Values) (*http.Request, error) {
	if params == nil {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}
	enc := params.Encode()
	if len(enc) <= maxGetQuery {
		return http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+enc, nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(enc))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func upstreamError(u string, body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("{")) || !bytes.Contains(trimmed, []byte(`"error"`)) {
		return nil
	}
	var env struct {
		Error *struct {
			Code    int      `json:"code"`
			Message string   `json:"message"`
			Details []string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Error == nil {
		return nil
	}
	return &UpstreamError{
		Code:    env.Error.Code,
		Message: env.Error.Message,
		Details: env.Error.Details,
		URL:     u,
		Body:    truncate(body, 4096),
	}
}

func attrInt(attrs map[string]any, name string) (int64, bool) {
	for k, v := range attrs {
		if !strings.EqualFold(k, name) {
			continue
		}
		if f, ok := v.(float64); ok {
			return int64(f), true
		}
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
