package esri

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

// MapGeometryType maps a service geometry type string to the output enum.
func MapGeometryType(s string) model.GeometryType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "esrigeometrypoint":
		return model.GeometryPoint
	case "esrigeometrymultipoint":
		return model.GeometryMultiPoint
	case "esrigeometrypolyline":
		return model.GeometryLine
	case "esrigeometrypolygon", "esrigeometryenvelope":
		return model.GeometryPolygon
	default:
		return model.GeometryUnknown
	}
}

// sanitized coordinates may be null, so positions decode through pointers
type position []*float64

type wireGeometry struct {
	X      *float64     `json:"x"`
	Y      *float64     `json:"y"`
	Points []position   `json:"points"`
	Paths  [][]position `json:"paths"`
	Rings  [][]position `json:"rings"`
	XMin   *float64     `json:"xmin"`
	YMin   *float64     `json:"ymin"`
	XMax   *float64     `json:"xmax"`
	YMax   *float64     `json:"ymax"`
}

type geoJSON struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// Translate converts a page of native features to GeoJSON features.
func Translate(fs *FeatureSet, oidField string) ([]model.Feature, error) {
	if fs == nil {
		return nil, nil
	}
	if oidField == "" {
		oidField = fs.ObjectIDFieldName
	}
	out := make([]model.Feature, 0, len(fs.Features))
	for i, f := range fs.Features {
		gf, err := ToFeature(f, oidField)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		out = append(out, gf)
	}
	return out, nil
}

func ToFeature(f Feature, oidField string) (model.Feature, error) {
	geom, err := toGeometry(f.Geometry)
	if err != nil {
		return model.Feature{}, err
	}
	props := make(map[string]any, len(f.Attributes))
	for k, v := range f.Attributes {
		props[k] = v
	}
	out := model.Feature{Type: "Feature", Geometry: geom, Properties: props}
	if oidField != "" {
		if v, ok := f.Attributes[oidField]; ok {
			out.ID = normalizeID(v)
		}
	}
	return out, nil
}

func normalizeID(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) {
		return int64(f)
	}
	return v
}

func toGeometry(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return json.RawMessage(null), nil
	}
	var g wireGeometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}

	var out *geoJSON
	switch {
	case g.X != nil && g.Y != nil:
		out = &geoJSON{Type: "Point", Coordinates: []float64{*g.X, *g.Y}}
	case g.Points != nil:
		pts := positions(g.Points)
		if len(pts) > 0 {
			out = &geoJSON{Type: "MultiPoint", Coordinates: pts}
		}
	case g.Paths != nil:
		lines := make([][][]float64, 0, len(g.Paths))
		for _, p := range g.Paths {
			if pts := positions(p); len(pts) >= 2 {
				lines = append(lines, pts)
			}
		}
		switch len(lines) {
		case 0:
		case 1:
			out = &geoJSON{Type: "LineString", Coordinates: lines[0]}
		default:
			out = &geoJSON{Type: "MultiLineString", Coordinates: lines}
		}
	case g.Rings != nil:
		polys := groupRings(g.Rings)
		switch len(polys) {
		case 0:
		case 1:
			out = &geoJSON{Type: "Polygon", Coordinates: polys[0]}
		default:
			out = &geoJSON{Type: "MultiPolygon", Coordinates: polys}
		}
	case g.XMin != nil && g.YMin != nil && g.XMax != nil && g.YMax != nil:
		x1, y1, x2, y2 := *g.XMin, *g.YMin, *g.XMax, *g.YMax
		out = &geoJSON{Type: "Polygon", Coordinates: [][][]float64{{
			{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}, {x1, y1},
		}}}
	}
	if out == nil {
		return json.RawMessage(null), nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return b, nil
}

// positions drops entries with missing x or y.
func positions(in []position) [][]float64 {
	out := make([][]float64, 0, len(in))
	for _, p := range in {
		if len(p) < 2 || p[0] == nil || p[1] == nil {
			continue
		}
		out = append(out, []float64{*p[0], *p[1]})
	}
	return out
}

// groupRings splits service rings (outer clockwise, holes counter-clockwise)
// into GeoJSON polygons with outer rings counter-clockwise and holes clockwise.
func groupRings(rings [][]position) [][][][]float64 {
	var polys [][][][]float64
	var holes [][][]float64
	for _, r := range rings {
		pts := positions(r)
		if len(pts) < 4 {
			continue
		}
		if isCCW(pts) {
			holes = append(holes, pts)
			continue
		}
		polys = append(polys, [][][]float64{reverseRing(pts)})
	}
	for _, h := range holes {
		idx := -1
		for i := range polys {
			if pointInRing(h[0], polys[i][0]) {
				idx = i
				break
			}
		}
		hole := reverseRing(h)
		switch {
		case idx >= 0:
			polys[idx] = append(polys[idx], hole)
		case len(polys) > 0:
			polys[len(polys)-1] = append(polys[len(polys)-1], hole)
		default:
			// a lone counter-clockwise ring is an outer ring drawn the other way
			polys = append(polys, [][][]float64{h})
		}
	}
	return polys
}

func isCCW(r [][]float64) bool {
	var area float64
	for i := 0; i+1 < len(r); i++ {
		x1, y1 := r[i][0], r[i][1]
		x2, y2 := r[i+1][0], r[i+1][1]
		area += (x2 - x1) * (y2 + y1)
	}
	return area < 0
}

func reverseRing(r [][]float64) [][]float64 {
	n := len(r)
	out := make([][]float64, n)
	for i := range r {
		out[n-1-i] = r[i]
	}
	return out
}

func pointInRing(p []float64, ring [][]float64) bool {
	in := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > p[1]) != (yj > p[1]) && p[0] < (xj-xi)*(p[1]-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}
