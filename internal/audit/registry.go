package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trusted360/audit-engine/internal/cache"
	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/db/repositories"
)

// Registry resolves (category, action) pairs against the seeded event type
// taxonomy. Resolved types may be cached in Redis; nothing else is.
type Registry struct {
	repo  *repositories.EventTypeRepository
	cache *cache.Client
	ttl   time.Duration
}

// NewRegistry creates a Registry. A nil cache or a zero ttl disables caching.
func NewRegistry(repo *repositories.EventTypeRepository, c *cache.Client, ttl time.Duration) *Registry {
	return &Registry{repo: repo, cache: c, ttl: ttl}
}

func eventTypeCacheKey(category, action string) string {
	return "audit:event_type:" + category + ":" + action
}

// Resolve returns the active event type for the exact pair, or an error
// wrapping ErrEventTypeNotFound.
func (r *Registry) Resolve(ctx context.Context, category, action string) (*models.EventType, error) {
	cacheable := r.cache != nil && r.ttl > 0
	key := eventTypeCacheKey(category, action)

	if cacheable {
		var cached models.EventType
		found, err := r.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			slog.Warn("event type cache read failed, falling back to database", "key", key, "error", err)
		} else if found {
			return &cached, nil
		}
	}

	et, err := r.repo.GetByCategoryAction(ctx, category, action)
	if err != nil {
		return nil, err
	}
	if et == nil || !et.IsActive {
		return nil, fmt.Errorf("%w: %s.%s", ErrEventTypeNotFound, category, action)
	}

	if cacheable {
		if err := r.cache.SetJSON(ctx, key, et, r.ttl); err != nil {
			slog.Warn("event type cache write failed", "key", key, "error", err)
		}
	}
	return et, nil
}

// List returns the active event types.
func (r *Registry) List(ctx context.Context) ([]*models.EventType, error) {
	return r.repo.List(ctx, true)
}
