package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StaticStore is an in-memory backing store for tests and single-node runs.
type StaticStore struct {
	mu         sync.RWMutex
	volunteers []Volunteer
}

// NewStaticStore creates a store pre-populated with volunteers.
func NewStaticStore(volunteers ...Volunteer) *StaticStore {
	return &StaticStore{volunteers: volunteers}
}

// LoadVolunteers returns a copy of the stored volunteers.
func (s *StaticStore) LoadVolunteers(ctx context.Context) ([]Volunteer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Volunteer, len(s.volunteers))
	copy(out, s.volunteers)
	return out, nil
}

// Put replaces or appends a volunteer record.
func (s *StaticStore) Put(v Volunteer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.volunteers {
		if s.volunteers[i].ID == v.ID {
			s.volunteers[i] = v
			return
		}
	}
	s.volunteers = append(s.volunteers, v)
}

// redisKey is the hash holding one JSON document per volunteer.
const redisKey = "crisisdispatch:volunteers"

// RedisStore reads volunteer records from a Redis hash maintained by the
// volunteer-management plane.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// LoadVolunteers fetches and decodes every volunteer record. Records that
// fail to decode are skipped so one bad row cannot empty the cache.
func (s *RedisStore) LoadVolunteers(ctx context.Context) ([]Volunteer, error) {
	raw, err := s.client.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read volunteer hash: %w", err)
	}

	out := make([]Volunteer, 0, len(raw))
	for _, doc := range raw {
		var v Volunteer
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Save writes one volunteer record back to the hash.
func (s *RedisStore) Save(ctx context.Context, v Volunteer) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode volunteer: %w", err)
	}

	if err := s.client.HSet(ctx, redisKey, v.ID.String(), doc).Err(); err != nil {
		return fmt.Errorf("failed to write volunteer: %w", err)
	}
	return nil
}
