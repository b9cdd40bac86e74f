// Package mapper annotates features with spatial index cells.
package mapper

import (
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

// Tagger adds an index cell to a feature's properties.
type Tagger interface {
	Tag(f *model.Feature) error
}
