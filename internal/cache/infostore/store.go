// Package infostore is the Cache State Store: one Info Document per resource
// plus the resource's cached feature rows.
package infostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/keys"
	"github.com/mohammed-shakir/feature-mirror/internal/cache/redisstore"
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

var (
	// ErrNotFound means no Info Document exists for the key.
	ErrNotFound = errors.New("infostore: info not found")
	// ErrDropped means rows were written for a resource whose Info Document
	// was removed, normally by a concurrent drop.
	ErrDropped = errors.New("infostore: resource dropped")
)

// Filter selects rows by exact property equality. The zero Filter matches all rows.
type Filter struct {
	Properties map[string]any
}

func (f Filter) IsZero() bool { return len(f.Properties) == 0 }

func (f Filter) match(row json.RawMessage) bool {
	if f.IsZero() {
		return true
	}
	var feat struct {
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(row, &feat); err != nil {
		return false
	}
	for k, want := range f.Properties {
		got, ok := feat.Properties[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

type Store interface {
	GetInfo(ctx context.Context, k model.ResourceKey) (model.Info, error)
	// UpdateInfo upserts doc, keeping the stored export maps.
	UpdateInfo(ctx context.Context, k model.ResourceKey, doc model.Info) error
	// Create stores doc only when no document exists yet and reports whether
	// it did.
	Create(ctx context.Context, k model.ResourceKey, doc model.Info) (bool, error)
	// Modify read-merge-writes an existing document; ErrNotFound if absent.
	Modify(ctx context.Context, k model.ResourceKey, fn func(*model.Info) error) (model.Info, error)
	GetCount(ctx context.Context, k model.ResourceKey, f Filter) (int, error)
	Rows(ctx context.Context, k model.ResourceKey, offset, limit int) ([]json.RawMessage, error)
	// Insert replaces all rows of the resource.
	Insert(ctx context.Context, k model.ResourceKey, rows []json.RawMessage) error
	// InsertPartial appends rows; safe for concurrent use by one job's pages.
	InsertPartial(ctx context.Context, k model.ResourceKey, rows []json.RawMessage) error
	// Remove deletes matching rows; the zero Filter deletes the document and all rows.
	Remove(ctx context.Context, k model.ResourceKey, f Filter) error
	RemoveLatestExport(ctx context.Context, k model.ResourceKey) error
}

type redisInfoStore struct {
	cli       *redisstore.Client
	opTimeout time.Duration
}

// NewRedisStore returns a Store backed by cli. opTimeout bounds each store call
// unless the caller's context is already shorter; 0 disables it.
func NewRedisStore(cli *redisstore.Client, opTimeout time.Duration) Store {
	return &redisInfoStore{cli: cli, opTimeout: opTimeout}
}

func (s *redisInfoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *redisInfoStore) GetInfo(ctx context.Context, k model.ResourceKey) (model.Info, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b, err := s.cli.Get(ctx, keys.Info(k))
	if errors.Is(err, redisstore.ErrNil) {
		return model.Info{}, ErrNotFound
	}
	if err != nil {
		return model.Info{}, fmt.Errorf("infostore get %s: %w", k, err)
	}
	var doc model.Info
	if err := json.Unmarshal(b, &doc); err != nil {
		return model.Info{}, fmt.Errorf("infostore decode %s: %w", k, err)
	}
	return doc, nil
}

func (s *redisInfoStore) UpdateInfo(ctx context.Context, k model.ResourceKey, doc model.Info) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc.Key = k.String()
	err := s.cli.Update(ctx, keys.Info(k), func(old []byte) ([]byte, error) {
		if old != nil {
			var cur model.Info
			if err := json.Unmarshal(old, &cur); err != nil {
				return nil, fmt.Errorf("decode stored info: %w", err)
			}
			doc.Generating = cur.Generating
			doc.Generated = cur.Generated
		}
		return json.Marshal(doc)
	})
	if err != nil {
		return fmt.Errorf("infostore update %s: %w", k, err)
	}
	return nil
}

var errExists = errors.New("infostore: info exists")

func (s *redisInfoStore) Create(ctx context.Context, k model.ResourceKey, doc model.Info) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc.Key = k.String()
	err := s.cli.Update(ctx, keys.Info(k), func(old []byte) ([]byte, error) {
		if old != nil {
			return nil, errExists
		}
		return json.Marshal(doc)
	})
	if errors.Is(err, errExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("infostore create %s: %w", k, err)
	}
	return true, nil
}

func (s *redisInfoStore) Modify(ctx context.Context, k model.ResourceKey, fn func(*model.Info) error) (model.Info, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out model.Info
	err := s.cli.Update(ctx, keys.Info(k), func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, ErrNotFound
		}
		var cur model.Info
		if err := json.Unmarshal(old, &cur); err != nil {
			return nil, fmt.Errorf("decode stored info: %w", err)
		}
		if err := fn(&cur); err != nil {
			return nil, err
		}
		cur.Key = k.String()
		out = cur
		return json.Marshal(cur)
	})
	if errors.Is(err, ErrNotFound) {
		return model.Info{}, ErrNotFound
	}
	if err != nil {
		return model.Info{}, fmt.Errorf("infostore modify %s: %w", k, err)
	}
	return out, nil
}

func (s *redisInfoStore) GetCount(ctx context.Context, k model.ResourceKey, f Filter) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if f.IsZero() {
		n, err := s.cli.LLen(ctx, keys.Rows(k))
		if err != nil {
			return 0, fmt.Errorf("infostore count %s: %w", k, err)
		}
		return int(n), nil
	}
	rows, err := s.cli.LRange(ctx, keys.Rows(k), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("infostore count %s: %w", k, err)
	}
	n := 0
	for _, r := range rows {
		if f.match(r) {
			n++
		}
	}
	return n, nil
}

// Rows returns up to limit rows starting at offset; limit <= 0 returns the rest.
func (s *redisInfoStore) Rows(ctx context.Context, k model.ResourceKey, offset, limit int) ([]json.RawMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	raw, err := s.cli.LRange(ctx, keys.Rows(k), int64(offset), stop)
	if err != nil {
		return nil, fmt.Errorf("infostore rows %s: %w", k, err)
	}
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = r
	}
	return out, nil
}

func (s *redisInfoStore) Insert(ctx context.Context, k model.ResourceKey, rows []json.RawMessage) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.cli.ReplaceList(ctx, keys.Rows(k), toBytes(rows)); err != nil {
		return fmt.Errorf("infostore insert %s: %w", k, err)
	}
	return nil
}

func (s *redisInfoStore) InsertPartial(ctx context.Context, k model.ResourceKey, rows []json.RawMessage) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.cli.AppendGuarded(ctx, keys.Info(k), keys.Rows(k), toBytes(rows))
	if errors.Is(err, redisstore.ErrGuardMissing) {
		return ErrDropped
	}
	if err != nil {
		return fmt.Errorf("infostore insert partial %s: %w", k, err)
	}
	return nil
}

func (s *redisInfoStore) Remove(ctx context.Context, k model.ResourceKey, f Filter) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if f.IsZero() {
		if err := s.cli.Del(ctx, keys.Info(k), keys.Rows(k)); err != nil {
			return fmt.Errorf("infostore remove %s: %w", k, err)
		}
		return nil
	}
	keep := func(r []byte) bool { return !f.match(r) }
	if _, err := s.cli.FilterList(ctx, keys.Rows(k), keep); err != nil {
		return fmt.Errorf("infostore remove %s: %w", k, err)
	}
	return nil
}

func (s *redisInfoStore) RemoveLatestExport(ctx context.Context, k model.ResourceKey) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.cli.Del(ctx, keys.LatestExport(k)); err != nil {
		return fmt.Errorf("infostore remove latest export %s: %w", k, err)
	}
	return nil
}

func toBytes(rows []json.RawMessage) [][]byte {
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
