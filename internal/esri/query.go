package esri

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	DefaultWhere = "1=1"
	DefaultOutSR = 4326
	DefaultOID   = "OBJECTID"
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Statistic is one entry of the outStatistics parameter.
type Statistic struct {
	Type    string `json:"statisticType"`
	Field   string `json:"onStatisticField"`
	OutName string `json:"outStatisticFieldName"`
}

// Query is a typed layer query. The zero value asks for every feature with all
// fields in WGS84.
type Query struct {
	Where             string
	OutFields         []string
	OutSR             int
	ResultOffset      int
	ResultRecordCount int
	OrderByFields     string
	ReturnIDsOnly     bool
	ReturnCountOnly   bool
	OutStatistics     []Statistic
}

func (q Query) Values() url.Values {
	v := url.Values{}
	where := strings.TrimSpace(q.Where)
	if where == "" {
		where = DefaultWhere
	}
	v.Set("where", where)
	v.Set("f", "json")

	switch {
	case q.ReturnCountOnly:
		v.Set("returnCountOnly", "true")
		return v
	case q.ReturnIDsOnly:
		v.Set("returnIdsOnly", "true")
		return v
	case len(q.OutStatistics) > 0:
		b, _ := json.Marshal(q.OutStatistics)
		v.Set("outStatistics", string(b))
		return v
	}

	fields := "*"
	if len(q.OutFields) > 0 {
		fields = strings.Join(q.OutFields, ",")
	}
	v.Set("outFields", fields)
	sr := q.OutSR
	if sr == 0 {
		sr = DefaultOutSR
	}
	v.Set("outSR", strconv.Itoa(sr))
	if q.ResultRecordCount > 0 {
		v.Set("resultOffset", strconv.Itoa(q.ResultOffset))
		v.Set("resultRecordCount", strconv.Itoa(q.ResultRecordCount))
	}
	if q.OrderByFields != "" {
		v.Set("orderByFields", q.OrderByFields)
	}
	return v
}

// Encode renders the query string with deterministic parameter order.
func (q Query) Encode() string { return q.Values().Encode() }

// SafeField returns field if it is a plain identifier, otherwise DefaultOID.
func SafeField(field string) string {
	if identRE.MatchString(field) {
		return field
	}
	return DefaultOID
}

// RangeWhere selects the inclusive object-ID range [lo, hi].
func RangeWhere(field string, lo, hi int64) string {
	f := SafeField(field)
	return fmt.Sprintf("%s >= %d AND %s <= %d", f, lo, f, hi)
}

// InWhere selects an explicit object-ID list.
func InWhere(field string, ids []int64) string {
	var b strings.Builder
	b.WriteString(SafeField(field))
	b.WriteString(" IN (")
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte(')')
	return b.String()
}

// QueryURL joins a layer URL with its query endpoint.
func QueryURL(layerURL string) string {
	return strings.TrimRight(layerURL, "/") + "/query"
}
