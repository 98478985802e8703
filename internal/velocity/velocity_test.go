package velocity

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestVelocityService(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(lruCache, time.Hour)
	ctx := context.Background()

	t.Run("CountsPerSubject", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			count, err := svc.Record(ctx, "insurance", "claimant-001")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if count != int64(i) {
				t.Errorf("expected count %d, got %d", i, count)
			}
		}

		count, _ := svc.Record(ctx, "insurance", "claimant-002")
		if count != 1 {
			t.Errorf("expected independent counter, got %d", count)
		}
	})

	t.Run("DomainsAreSeparate", func(t *testing.T) {
		count, _ := svc.Record(ctx, "grants", "claimant-001")
		if count != 1 {
			t.Errorf("expected 1, got %d", count)
		}
	})

	t.Run("RequiresSubject", func(t *testing.T) {
		if _, err := svc.Record(ctx, "insurance", ""); err == nil {
			t.Error("expected error for empty subject")
		}
	})

	t.Run("Enrich", func(t *testing.T) {
		ev := domain.Event{ID: "evt-1", Domain: "benefits", SubjectID: "acct-9", Features: map[string]any{"a": 1}}

		out := svc.Enrich(ctx, ev)
		if out.Features[FeatureName] != int64(1) {
			t.Errorf("expected velocity_count 1, got %v", out.Features[FeatureName])
		}
		if _, ok := ev.Features[FeatureName]; ok {
			t.Error("original event must not be mutated")
		}

		anon := svc.Enrich(ctx, domain.Event{ID: "evt-2", Domain: "benefits"})
		if _, ok := anon.Features[FeatureName]; ok {
			t.Error("expected no velocity feature without subject")
		}
	})
}

func TestVelocityWindowExpires(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(lruCache, 20*time.Millisecond)
	ctx := context.Background()

	svc.Record(ctx, "insurance", "claimant-003")
	svc.Record(ctx, "insurance", "claimant-003")
	time.Sleep(40 * time.Millisecond)

	count, err := svc.Record(ctx, "insurance", "claimant-003")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected counter reset after window, got %d", count)
	}
}
