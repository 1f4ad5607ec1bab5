package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peerlend/escrow-engine/internal/model"
)

// CachedProfiles wraps a primary ProfileStore with a Redis read-through
// cache. Profiles are read for every match candidate, so they are the hot
// path worth caching. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedProfiles struct {
	primary ProfileStore
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedProfiles creates a cached wrapper around a primary profile store.
func NewCachedProfiles(primary ProfileStore, rdb redis.UniversalClient, ttl time.Duration) *CachedProfiles {
	return &CachedProfiles{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedProfiles) PutProfile(ctx context.Context, p *model.UserProfile) error {
	if err := s.primary.PutProfile(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, profileKey(p.UserID))
	return nil
}

func (s *CachedProfiles) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	data, err := s.rdb.Get(ctx, profileKey(userID)).Bytes()
	if err == nil {
		var p model.UserProfile
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, profileKey(userID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedProfiles) GetUserRole(ctx context.Context, userID string) (model.Role, error) {
	p, err := s.GetProfile(ctx, userID)
	if err != nil || p.Role == "" {
		// Unknown users fall back to the primary's own default.
		return s.primary.GetUserRole(ctx, userID)
	}
	return p.Role, nil
}

func (s *CachedProfiles) ListUsersByRole(ctx context.Context, roles ...model.Role) ([]string, error) {
	return s.primary.ListUsersByRole(ctx, roles...)
}

func profileKey(userID string) string { return fmt.Sprintf("profile:%s", userID) }
