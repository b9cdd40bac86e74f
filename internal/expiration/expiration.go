// Package expiration decides whether a cached resource is stale.
package expiration

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

// EditSource reads the edit watermark of an edit-tracked layer.
type EditSource interface {
	LastEditDate(ctx context.Context, layerURL string) (*time.Time, error)
}

// FileSource reads the modification time of a flat source file.
type FileSource interface {
	ModifiedAt(ctx context.Context, sourceURL string) (time.Time, error)
}

type Evaluator struct {
	edits EditSource
	files FileSource
	now   func() time.Time
}

type Option func(*Evaluator)

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func New(edits EditSource, files FileSource, opts ...Option) *Evaluator {
	e := &Evaluator{edits: edits, files: files, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Expired dispatches on the resource kind. Remote lookup errors are returned
// as-is; the caller decides whether to serve the cached copy anyway.
func (e *Evaluator) Expired(ctx context.Context, info model.Info) (bool, error) {
	switch info.Kind {
	case model.KindCSV:
		if e.files == nil {
			return false, fmt.Errorf("expiration %s: no file source configured", info.Key)
		}
		mod, err := e.files.ModifiedAt(ctx, info.SourceURL)
		if err != nil {
			return false, fmt.Errorf("expiration %s: source modified time: %w", info.Key, err)
		}
		return mod.After(info.RetrievedAt), nil

	case model.KindHosted:
		if e.edits == nil {
			return false, fmt.Errorf("expiration %s: no edit source configured", info.Key)
		}
		remote, err := e.edits.LastEditDate(ctx, info.SourceURL)
		if err != nil {
			return false, fmt.Errorf("expiration %s: last edit date: %w", info.Key, err)
		}
		switch {
		case remote == nil && info.LastEditDate != nil:
			// tracking was switched off since the copy was taken
			return true, nil
		case remote == nil:
			// no edit tracking on either side: fall back to the TTL
			return !e.now().Before(info.ExpiresAt), nil
		case info.LastEditDate == nil:
			return true, nil
		default:
			return remote.After(*info.LastEditDate), nil
		}

	default:
		return !e.now().Before(info.ExpiresAt), nil
	}
}
