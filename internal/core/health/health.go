// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Ping turns a dependency check into a ReadinessReporter with no partitions.
type Ping func(ctx context.Context) error

func (p Ping) Readiness() (bool, []int32) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p(ctx) == nil, nil
}
