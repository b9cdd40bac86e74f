package expiration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type editSource struct {
	t   *time.Time
	err error
}

func (s editSource) LastEditDate(context.Context, string) (*time.Time, error) { return s.t, s.err }

type fileSource struct {
	t   time.Time
	err error
}

func (s fileSource) ModifiedAt(context.Context, string) (time.Time, error) { return s.t, s.err }

func ptr(t time.Time) *time.Time { return &t }

func TestExpired_CSV(t *testing.T) {
	info := model.Info{Kind: model.KindCSV, RetrievedAt: base}

	e := New(nil, fileSource{t: base.Add(time.Second)})
	if got, err := e.Expired(context.Background(), info); err != nil || !got {
		t.Fatalf("newer file: expired=%v err=%v want true", got, err)
	}

	e = New(nil, fileSource{t: base})
	if got, _ := e.Expired(context.Background(), info); got {
		t.Fatalf("unchanged file reported expired")
	}
}

func TestExpired_TTL(t *testing.T) {
	e := New(nil, nil, WithClock(func() time.Time { return base }))

	info := model.Info{Kind: model.KindFeatureService, ExpiresAt: base.Add(time.Second)}
	if got, _ := e.Expired(context.Background(), info); got {
		t.Fatalf("expiresAt one second ahead must not be expired")
	}
	info.ExpiresAt = base
	if got, _ := e.Expired(context.Background(), info); !got {
		t.Fatalf("now == expiresAt must be expired")
	}
}

func TestExpired_Hosted(t *testing.T) {
	cached := base
	info := model.Info{Kind: model.KindHosted, LastEditDate: &cached}
	ctx := context.Background()

	if got, _ := New(editSource{t: ptr(base.Add(time.Minute))}, nil).Expired(ctx, info); !got {
		t.Fatalf("newer remote edit must be expired")
	}
	if got, _ := New(editSource{t: ptr(base)}, nil).Expired(ctx, info); got {
		t.Fatalf("unchanged watermark must not be expired")
	}

	untracked := model.Info{Kind: model.KindHosted}
	if got, _ := New(editSource{t: ptr(base)}, nil).Expired(ctx, untracked); !got {
		t.Fatalf("newly present edit tracking must be expired")
	}
}

func TestExpired_HostedWithoutTrackingUsesTTL(t *testing.T) {
	ctx := context.Background()
	e := New(editSource{}, nil, WithClock(func() time.Time { return base }))

	stale := model.Info{Kind: model.KindHosted, ExpiresAt: base.Add(-72 * time.Hour)}
	if got, err := e.Expired(ctx, stale); err != nil || !got {
		t.Fatalf("untracked hosted layer past expiresAt: expired=%v err=%v want true", got, err)
	}

	fresh := model.Info{Kind: model.KindHosted, ExpiresAt: base.Add(time.Hour)}
	if got, _ := e.Expired(ctx, fresh); got {
		t.Fatalf("untracked hosted layer before expiresAt must not be expired")
	}

	cached := base
	dropped := model.Info{Kind: model.KindHosted, LastEditDate: &cached, ExpiresAt: base.Add(time.Hour)}
	if got, _ := e.Expired(ctx, dropped); !got {
		t.Fatalf("edit tracking removed upstream must be expired")
	}
}

func TestExpired_HostedPropagatesRemoteError(t *testing.T) {
	boom := errors.New("layer info unavailable")
	cached := base
	_, err := New(editSource{err: boom}, nil).Expired(context.Background(),
		model.Info{Kind: model.KindHosted, LastEditDate: &cached})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want wrapped remote error", err)
	}
}
