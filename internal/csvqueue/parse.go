package csvqueue

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

var (
	latNames = []string{"latitude", "lat", "y", "point_y"}
	lonNames = []string{"longitude", "lon", "lng", "long", "x", "point_x"}
)

// Table is a parsed CSV source in the internal feature representation.
type Table struct {
	Fields       []model.Field
	GeometryType model.GeometryType
	Features     []model.Feature
}

// Parse reads a header row followed by records. When latitude and longitude
// columns are found every row with numeric coordinates becomes a Point.
func Parse(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Table{}, errors.New("csv: empty source")
	}
	if err != nil {
		return Table{}, fmt.Errorf("csv: header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	latCol, lonCol := findColumn(header, latNames), findColumn(header, lonNames)
	located := latCol >= 0 && lonCol >= 0

	numeric := make([]bool, len(header))
	for i := range numeric {
		numeric[i] = true
	}
	seen := make([]bool, len(header))

	var feats []model.Feature
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("csv: line %d: %w", line, err)
		}
		props := make(map[string]any, len(header))
		for i, name := range header {
			if i >= len(rec) {
				props[name] = nil
				continue
			}
			raw := strings.TrimSpace(rec[i])
			if raw == "" {
				props[name] = nil
				continue
			}
			seen[i] = true
			if _, err := strconv.ParseFloat(raw, 64); err != nil {
				numeric[i] = false
			}
			props[name] = raw
		}
		f := model.Feature{Type: "Feature", ID: int64(len(feats) + 1), Geometry: json.RawMessage("null"), Properties: props}
		if located {
			if g, ok := point(rec, latCol, lonCol); ok {
				f.Geometry = g
			}
		}
		feats = append(feats, f)
	}

	for i, name := range header {
		if !numeric[i] {
			continue
		}
		for _, f := range feats {
			if raw, ok := f.Properties[name].(string); ok {
				f.Properties[name], _ = strconv.ParseFloat(raw, 64)
			}
		}
	}

	t := Table{Features: feats}
	for i, name := range header {
		typ := "esriFieldTypeString"
		if numeric[i] && seen[i] {
			typ = "esriFieldTypeDouble"
		}
		t.Fields = append(t.Fields, model.Field{Name: name, Type: typ})
	}
	if located {
		t.GeometryType = model.GeometryPoint
	}
	return t, nil
}

// Rows encodes every feature for the Cache State Store.
func (t Table) Rows() ([]json.RawMessage, []byte, error) {
	rows := make([]json.RawMessage, 0, len(t.Features))
	var all bytes.Buffer
	for i := range t.Features {
		b, err := json.Marshal(&t.Features[i])
		if err != nil {
			return nil, nil, fmt.Errorf("csv: encode row %d: %w", i+1, err)
		}
		rows = append(rows, b)
		all.Write(b)
	}
	return rows, all.Bytes(), nil
}

func findColumn(header []string, names []string) int {
	for _, want := range names {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				return i
			}
		}
	}
	return -1
}

func point(rec []string, latCol, lonCol int) (json.RawMessage, bool) {
	if latCol >= len(rec) || lonCol >= len(rec) {
		return nil, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(rec[latCol]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(rec[lonCol]), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, false
	}
	b, _ := json.Marshal(map[string]any{"type": "Point", "coordinates": []float64{lon, lat}})
	return b, true
}
