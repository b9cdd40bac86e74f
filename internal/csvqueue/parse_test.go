package csvqueue

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

func TestParse_DetectsPointsFromLatLon(t *testing.T) {
	src := "\ufeffName,Latitude,Longitude,Pop\nA,59.33,18.06,975\nB,57.70,11.97,\nC,bad,11.0,12\n"
	tbl, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tbl.GeometryType != model.GeometryPoint {
		t.Fatalf("geometryType=%q want Point", tbl.GeometryType)
	}
	if len(tbl.Features) != 3 {
		t.Fatalf("features=%d want 3", len(tbl.Features))
	}
	if tbl.Fields[0].Name != "Name" {
		t.Fatalf("BOM not stripped from first header: %q", tbl.Fields[0].Name)
	}

	var g struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(tbl.Features[0].Geometry, &g); err != nil {
		t.Fatalf("geometry: %v", err)
	}
	if g.Type != "Point" || g.Coordinates[0] != 18.06 || g.Coordinates[1] != 59.33 {
		t.Fatalf("geometry=%+v want lon,lat order", g)
	}
	if string(tbl.Features[2].Geometry) != "null" {
		t.Fatalf("unparseable latitude must give null geometry, got %s", tbl.Features[2].Geometry)
	}
	if tbl.Features[1].Properties["Pop"] != nil {
		t.Fatalf("empty cell must be null, got %v", tbl.Features[1].Properties["Pop"])
	}
	if tbl.Features[0].ID != int64(1) || tbl.Features[2].ID != int64(3) {
		t.Fatalf("ids must be row numbers: %v %v", tbl.Features[0].ID, tbl.Features[2].ID)
	}
}

func TestParse_FieldTypes(t *testing.T) {
	src := "code,amount,empty\n001,1.5,\nabc,2,\n"
	tbl, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]string{
		"code":   "esriFieldTypeString",
		"amount": "esriFieldTypeDouble",
		"empty":  "esriFieldTypeString",
	}
	for _, f := range tbl.Fields {
		if f.Type != want[f.Name] {
			t.Fatalf("field %s type=%s want %s", f.Name, f.Type, want[f.Name])
		}
	}
	// a mixed column keeps the original text of numeric-looking cells
	if got := tbl.Features[0].Properties["code"]; got != "001" {
		t.Fatalf("code=%v", got)
	}
	if tbl.GeometryType != model.GeometryUnknown {
		t.Fatalf("no coordinate columns, got geometryType=%q", tbl.GeometryType)
	}
}

func TestParse_EmptySource(t *testing.T) {
	if _, err := Parse(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestTable_RowsAreStable(t *testing.T) {
	src := "name,lat,lon\nA,1,2\nB,3,4\n"
	tbl, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rows1, all1, err := tbl.Rows()
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	_, all2, _ := tbl.Rows()
	if len(rows1) != 2 || string(all1) != string(all2) {
		t.Fatalf("row encoding must be deterministic")
	}
}
