// Package keys defines the persisted Redis key layout.
package keys

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

// Info is the Info Document key for a resource.
func Info(k model.ResourceKey) string {
	return "info:" + Resource(k)
}

// Rows is the list holding the resource's cached feature rows.
func Rows(k model.ResourceKey) string {
	return "rows:" + Resource(k)
}

// Lock is the Import Lock key; granularity is (item, layer).
func Lock(k model.ResourceKey) string {
	return "lock:" + sanitize(k.Item) + ":" + fmt.Sprint(k.Layer)
}

// LatestExport is the most-recent-export cache entry removed by a forced drop.
func LatestExport(k model.ResourceKey) string {
	return "export:latest:" + Resource(k)
}

// Resource renders "<service>:<item>:<layer>" with unsafe runes replaced.
func Resource(k model.ResourceKey) string {
	return sanitize(k.Service) + ":" + sanitize(k.Item) + ":" + fmt.Sprint(k.Layer)
}

// DedupHash names the CSV lock file for an id on a given UTC day.
func DedupHash(id string, day time.Time) string {
	s := strings.TrimSpace(id) + "|" + day.UTC().Format("2006-01-02")
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
