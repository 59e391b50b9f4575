package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"breachscope/internal/database"
	"breachscope/internal/model"
)

const exclusionCacheKey = "exclusion_terms"

// ExclusionFilter drops candidates that mention a deny-listed term. Terms
// apply per source, and terms stored with source id 0 apply everywhere.
type ExclusionFilter struct {
	db    *database.DB
	cache *cache.Cache
}

// NewExclusionFilter creates a filter whose term snapshot is reloaded after ttl
func NewExclusionFilter(db *database.DB, ttl time.Duration) *ExclusionFilter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ExclusionFilter{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Check returns the first active term found in the candidate's lowercased
// title, description and body.
func (f *ExclusionFilter) Check(ctx context.Context, item model.CandidateItem) (string, bool, error) {
	terms, err := f.terms(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to load exclusion terms: %w", err)
	}

	scoped := terms[item.SourceID]
	global := terms[0]
	if len(scoped) == 0 && len(global) == 0 {
		return "", false, nil
	}

	text := strings.ToLower(item.Title + "\n" + item.Description + "\n" + item.Body)
	for _, set := range [][]string{scoped, global} {
		for _, term := range set {
			if strings.Contains(text, term) {
				return term, true, nil
			}
		}
	}
	return "", false, nil
}

// Invalidate forces the next Check to reload terms from the store
func (f *ExclusionFilter) Invalidate() {
	f.cache.Delete(exclusionCacheKey)
}

// terms returns lowercased active terms grouped by source id
func (f *ExclusionFilter) terms(ctx context.Context) (map[int64][]string, error) {
	if cached, ok := f.cache.Get(exclusionCacheKey); ok {
		return cached.(map[int64][]string), nil
	}

	rows, err := f.db.GetActiveExclusionTerms(ctx)
	if err != nil {
		return nil, err
	}

	bySource := make(map[int64][]string)
	for _, t := range rows {
		term := strings.ToLower(strings.TrimSpace(t.Term))
		if term == "" {
			continue
		}
		bySource[t.SourceID] = append(bySource[t.SourceID], term)
	}
	f.cache.SetDefault(exclusionCacheKey, bySource)
	return bySource, nil
}
