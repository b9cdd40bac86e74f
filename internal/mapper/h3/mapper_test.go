package h3mapper

import (
	"encoding/json"
	"testing"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

func TestTag_Point(t *testing.T) {
	m, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := model.Feature{
		Type:       "Feature",
		Geometry:   json.RawMessage(`{"type":"Point","coordinates":[18.0686,59.3293]}`),
		Properties: map[string]any{"name": "Stockholm"},
	}
	if err := m.Tag(&f); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	want, _ := h3.LatLngToCell(h3.LatLng{Lat: 59.3293, Lng: 18.0686}, 8)
	if f.Properties[Property] != want.String() {
		t.Fatalf("h3=%v want %s", f.Properties[Property], want)
	}
}

func TestTag_PolygonUsesRingMean(t *testing.T) {
	m, _ := New(5)
	f := model.Feature{
		Geometry: json.RawMessage(`{"type":"Polygon","coordinates":[[[10,50],[12,50],[12,52],[10,52],[10,50]]]}`),
	}
	if err := m.Tag(&f); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	want, _ := m.CellForPoint(51, 11)
	if f.Properties[Property] != want {
		t.Fatalf("h3=%v want %s", f.Properties[Property], want)
	}
}

func TestTag_NullGeometryUntouched(t *testing.T) {
	m, _ := New(7)
	f := model.Feature{Geometry: json.RawMessage(`null`), Properties: map[string]any{}}
	if err := m.Tag(&f); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if _, ok := f.Properties[Property]; ok {
		t.Fatalf("null geometry should not be tagged")
	}
}

func TestNew_RejectsBadResolution(t *testing.T) {
	if _, err := New(16); err == nil {
		t.Fatalf("expected error for res 16")
	}
}
