package h3mapper

import (
	"bytes"
	"encoding/json"
	"fmt"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

// Property is the feature property that receives the cell id.
const Property = "h3"

// Mapper tags features with the H3 cell of a representative point.
type Mapper struct {
	res int
}

func New(res int) (*Mapper, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	return &Mapper{res: res}, nil
}

func (m *Mapper) Resolution() int { return m.res }

// CellForPoint returns the cell containing (lat, lng) at the mapper's resolution.
func (m *Mapper) CellForPoint(lat, lng float64) (string, error) {
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, m.res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

// Tag sets the h3 property from the feature's geometry. Points use their own
// position, lines their first vertex and polygons the vertex mean of the outer
// ring. Features without geometry are left untouched.
func (m *Mapper) Tag(f *model.Feature) error {
	if len(f.Geometry) == 0 || bytes.Equal(f.Geometry, []byte("null")) {
		return nil
	}
	lng, lat, ok, err := representative(f.Geometry)
	if err != nil || !ok {
		return err
	}
	cell, err := m.CellForPoint(lat, lng)
	if err != nil {
		return err
	}
	if f.Properties == nil {
		f.Properties = map[string]any{}
	}
	f.Properties[Property] = cell
	return nil
}

func representative(raw json.RawMessage) (float64, float64, bool, error) {
	var hdr struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return 0, 0, false, fmt.Errorf("parse geometry: %w", err)
	}
	switch hdr.Type {
	case "Point":
		var p []float64
		if err := json.Unmarshal(hdr.Coordinates, &p); err != nil || len(p) < 2 {
			return 0, 0, false, nil
		}
		return p[0], p[1], true, nil
	case "MultiPoint", "LineString":
		var ps [][]float64
		if err := json.Unmarshal(hdr.Coordinates, &ps); err != nil || len(ps) == 0 {
			return 0, 0, false, nil
		}
		return ps[0][0], ps[0][1], true, nil
	case "MultiLineString", "Polygon":
		var rs [][][]float64
		if err := json.Unmarshal(hdr.Coordinates, &rs); err != nil || len(rs) == 0 || len(rs[0]) == 0 {
			return 0, 0, false, nil
		}
		if hdr.Type == "MultiLineString" {
			return rs[0][0][0], rs[0][0][1], true, nil
		}
		x, y := ringMean(rs[0])
		return x, y, true, nil
	case "MultiPolygon":
		var mp [][][][]float64
		if err := json.Unmarshal(hdr.Coordinates, &mp); err != nil || len(mp) == 0 || len(mp[0]) == 0 || len(mp[0][0]) == 0 {
			return 0, 0, false, nil
		}
		x, y := ringMean(mp[0][0])
		return x, y, true, nil
	}
	return 0, 0, false, nil
}

// ringMean averages vertices, skipping the closing duplicate.
func ringMean(r [][]float64) (float64, float64) {
	n := len(r)
	if n > 1 && r[0][0] == r[n-1][0] && r[0][1] == r[n-1][1] {
		n--
	}
	var sx, sy float64
	for i := range n {
		sx += r[i][0]
		sy += r[i][1]
	}
	return sx / float64(n), sy / float64(n)
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}
