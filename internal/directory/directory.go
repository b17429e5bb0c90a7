// Package directory resolves request identities into billing actors. Profiles live
// in Postgres; resolved actors are cached in Redis.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/eddinos2/hyperzenof-sub000/internal/billing"
)

var (
	// ErrUnknownActor is returned when no profile exists for the user.
	ErrUnknownActor = errors.New("directory: unknown actor")
	// ErrInvalidProfile is returned when the stored profile carries a role billing does not know.
	ErrInvalidProfile = errors.New("directory: invalid profile")
)

const cacheKeyPrefix = "directory:actor:"

// Profile is the persisted role assignment of a user.
type Profile struct {
	UserID   uuid.UUID
	Role     billing.Role
	CampusID uuid.UUID
}

// Source loads profiles from the system of record.
type Source interface {
	LoadProfile(ctx context.Context, userID uuid.UUID) (Profile, error)
}

type cachedActor struct {
	ID       uuid.UUID `json:"id"`
	Role     string    `json:"role"`
	CampusID uuid.UUID `json:"campus_id"`
}

// Directory resolves actors with a read-through Redis cache.
type Directory struct {
	source Source
	cache  *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// New constructs a Directory. A nil cache disables caching.
func New(source Source, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{source: source, cache: cache, ttl: ttl, logger: logger}
}

// ResolveActor returns the actor for userID.
func (d *Directory) ResolveActor(ctx context.Context, userID uuid.UUID) (billing.Actor, error) {
	if userID == uuid.Nil {
		return billing.Actor{}, ErrUnknownActor
	}
	if actor, ok := d.cached(ctx, userID); ok {
		return actor, nil
	}
	result, err, _ := d.group.Do(userID.String(), func() (any, error) {
		profile, err := d.source.LoadProfile(ctx, userID)
		if err != nil {
			return billing.Actor{}, err
		}
		if !profile.Role.IsValid() {
			return billing.Actor{}, fmt.Errorf("%w: profile %s has role %q", ErrInvalidProfile, userID, profile.Role)
		}
		actor := billing.Actor{ID: userID, Role: profile.Role, CampusID: profile.CampusID}
		d.store(ctx, actor)
		return actor, nil
	})
	if err != nil {
		return billing.Actor{}, err
	}
	return result.(billing.Actor), nil
}

// Invalidate drops the cached actor so the next lookup hits the source.
func (d *Directory) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if d.cache == nil {
		return nil
	}
	return d.cache.Del(ctx, cacheKeyPrefix+userID.String()).Err()
}

func (d *Directory) cached(ctx context.Context, userID uuid.UUID) (billing.Actor, bool) {
	if d.cache == nil {
		return billing.Actor{}, false
	}
	raw, err := d.cache.Get(ctx, cacheKeyPrefix+userID.String()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.logger.Warn("actor cache read", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
		return billing.Actor{}, false
	}
	var entry cachedActor
	if err := json.Unmarshal(raw, &entry); err != nil {
		d.logger.Warn("actor cache decode", slog.String("user_id", userID.String()), slog.Any("error", err))
		return billing.Actor{}, false
	}
	return billing.Actor{ID: entry.ID, Role: billing.Role(entry.Role), CampusID: entry.CampusID}, true
}

func (d *Directory) store(ctx context.Context, actor billing.Actor) {
	if d.cache == nil || d.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(cachedActor{ID: actor.ID, Role: string(actor.Role), CampusID: actor.CampusID})
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, cacheKeyPrefix+actor.ID.String(), raw, d.ttl).Err(); err != nil {
		d.logger.Warn("actor cache write", slog.String("user_id", actor.ID.String()), slog.Any("error", err))
	}
}
