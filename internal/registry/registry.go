// Package registry serves read-only snapshots of the tracked entities.
package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/patrickmn/go-cache"

	"breachscope/internal/database"
	"breachscope/internal/model"
)

const snapshotKey = "entities"

// Snapshot is an immutable view of the active entities. Matching runs
// against one snapshot so an article never sees a half-updated registry.
type Snapshot struct {
	Keywords  []model.Entity
	Companies []model.Entity
	Agencies  []model.Entity
	Locations []model.Entity
	LoadedAt  time.Time
}

// All returns every entity, keywords first
func (s *Snapshot) All() []model.Entity {
	all := make([]model.Entity, 0, s.Len())
	all = append(all, s.Keywords...)
	all = append(all, s.Companies...)
	all = append(all, s.Agencies...)
	all = append(all, s.Locations...)
	return all
}

func (s *Snapshot) Len() int {
	return len(s.Keywords) + len(s.Companies) + len(s.Agencies) + len(s.Locations)
}

// NewSnapshot groups entities by type, ignoring inactive ones
func NewSnapshot(entities []model.Entity) *Snapshot {
	s := &Snapshot{LoadedAt: time.Now()}
	for _, e := range entities {
		if !e.IsActive {
			continue
		}
		switch e.Type {
		case model.EntityKeyword:
			s.Keywords = append(s.Keywords, e)
		case model.EntityCompany:
			s.Companies = append(s.Companies, e)
		case model.EntityAgency:
			s.Agencies = append(s.Agencies, e)
		case model.EntityLocation:
			s.Locations = append(s.Locations, e)
		}
	}
	return s
}

// Registry caches the snapshot for ttl and reloads it from the store on expiry
type Registry struct {
	db     *database.DB
	logger *log.Logger
	cache  *cache.Cache
}

func New(db *database.DB, logger *log.Logger, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		db:     db,
		logger: logger,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// Snapshot returns the cached snapshot, loading a fresh one when expired
func (r *Registry) Snapshot(ctx context.Context) (*Snapshot, error) {
	if cached, ok := r.cache.Get(snapshotKey); ok {
		return cached.(*Snapshot), nil
	}

	entities, err := r.db.GetActiveEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading entities: %w", err)
	}
	snap := NewSnapshot(entities)
	r.cache.SetDefault(snapshotKey, snap)
	r.logger.Printf("Loaded registry snapshot: %d keywords, %d companies, %d agencies, %d locations",
		len(snap.Keywords), len(snap.Companies), len(snap.Agencies), len(snap.Locations))
	return snap, nil
}

// Invalidate drops the cached snapshot
func (r *Registry) Invalidate() {
	r.cache.Delete(snapshotKey)
}
