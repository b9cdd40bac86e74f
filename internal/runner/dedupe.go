package runner

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the newest enqueue time seen per resource so a
// redelivered or superseded job is not imported twice.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// returns true if v is greater than last seen
func (d *versionDedupe) shouldApply(key string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok {
		if v <= last {
			return false
		}
	}
	d.lru.Add(key, v)
	return true
}

func (d *versionDedupe) forget(key string) {
	d.mu.Lock()
	d.lru.Remove(key)
	d.mu.Unlock()
}
