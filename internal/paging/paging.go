// Package paging turns a feature count and a layer's query capabilities into
// an ordered list of page descriptors.
package paging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/feature-mirror/internal/esri"
)

type Strategy string

const (
	StrategyNone       Strategy = "none"
	StrategySingle     Strategy = "single"
	StrategyOffset     Strategy = "offset"
	StrategyStats      Strategy = "stats"
	StrategyIDList     Strategy = "idlist"
	StrategySequential Strategy = "sequential"
)

const (
	SinglePageLimit = 1000
	DefaultPageSize = 1000
	IDListLimit     = 50000
	IDChunkSize     = 250
)

// Page is an immutable fetch descriptor.
type Page struct {
	Index    int
	Query    esri.Query
	Strategy Strategy
	Attempt  int
}

// Retry returns a copy of p with the attempt counter advanced.
func (p Page) Retry() Page {
	p.Attempt++
	return p
}

type Plan struct {
	Strategy Strategy
	Pages    []Page
}

// Source answers the metadata queries some strategies need.
type Source interface {
	Stats(ctx context.Context, layerURL, oidField string) (int64, int64, error)
	ObjectIDs(ctx context.Context, layerURL string) ([]int64, error)
}

type Engine struct {
	src Source
	log *slog.Logger
}

func New(src Source, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{src: src, log: log}
}

// Plan picks the cheapest exact strategy the layer supports and falls back to
// approximate ones when capabilities are missing or metadata calls fail.
func (e *Engine) Plan(ctx context.Context, layerURL string, count int, caps esri.Capabilities) (Plan, error) {
	if count <= 0 {
		return Plan{Strategy: StrategyNone}, nil
	}
	pageSize := caps.MaxRecordCount
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	oid := esri.SafeField(caps.ObjectIDField)

	// a server capped below the count cannot answer one unpaged request
	if count < SinglePageLimit && count <= pageSize {
		return build(StrategySingle, []esri.Query{{}}), nil
	}

	if caps.SupportsPagination {
		return offsetPlan(count, pageSize), nil
	}

	if caps.SupportsStatistics {
		lo, hi, err := e.src.Stats(ctx, layerURL, oid)
		if err != nil {
			if ctx.Err() != nil {
				return Plan{}, ctx.Err()
			}
			e.log.Warn("statistics query failed, deriving range from id list", "url", layerURL, "error", err)
			lo, hi, err = e.rangeFromIDs(ctx, layerURL)
		}
		if err == nil {
			return rangePlan(StrategyStats, oid, lo, hi, int64(pageSize)), nil
		}
		if ctx.Err() != nil {
			return Plan{}, ctx.Err()
		}
		e.log.Warn("object id range unavailable, using sequential ranges", "url", layerURL, "error", err)
		return sequentialPlan(oid, count), nil
	}

	if count < IDListLimit {
		ids, err := e.src.ObjectIDs(ctx, layerURL)
		if err == nil && len(ids) > 0 {
			return idListPlan(oid, ids), nil
		}
		if ctx.Err() != nil {
			return Plan{}, ctx.Err()
		}
		e.log.Warn("object id list unavailable, using sequential ranges", "url", layerURL, "error", err, "ids", len(ids))
	}

	return sequentialPlan(oid, count), nil
}

func (e *Engine) rangeFromIDs(ctx context.Context, layerURL string) (int64, int64, error) {
	ids, err := e.src.ObjectIDs(ctx, layerURL)
	if err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, fmt.Errorf("empty object id list")
	}
	lo, hi := ids[0], ids[0]
	for _, id := range ids[1:] {
		lo = min(lo, id)
		hi = max(hi, id)
	}
	return lo, hi, nil
}

func offsetPlan(count, pageSize int) Plan {
	n := (count + pageSize - 1) / pageSize
	qs := make([]esri.Query, 0, n)
	for i := range n {
		qs = append(qs, esri.Query{ResultOffset: i * pageSize, ResultRecordCount: pageSize})
	}
	return build(StrategyOffset, qs)
}

// rangePlan covers [lo, hi] with inclusive ranges; the last upper bound is hi.
func rangePlan(s Strategy, oid string, lo, hi, width int64) Plan {
	var qs []esri.Query
	for start := lo; start <= hi; start += width {
		end := min(start+width-1, hi)
		qs = append(qs, esri.Query{Where: esri.RangeWhere(oid, start, end)})
	}
	return build(s, qs)
}

func idListPlan(oid string, ids []int64) Plan {
	qs := make([]esri.Query, 0, (len(ids)+IDChunkSize-1)/IDChunkSize)
	for start := 0; start < len(ids); start += IDChunkSize {
		end := min(start+IDChunkSize, len(ids))
		qs = append(qs, esri.Query{Where: esri.InWhere(oid, ids[start:end])})
	}
	return build(StrategyIDList, qs)
}

func sequentialPlan(oid string, count int) Plan {
	return rangePlan(StrategySequential, oid, 0, int64(count), DefaultPageSize)
}

func build(s Strategy, qs []esri.Query) Plan {
	pages := make([]Page, len(qs))
	for i, q := range qs {
		pages[i] = Page{Index: i, Query: q, Strategy: s}
	}
	return Plan{Strategy: s, Pages: pages}
}
