package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"breachscope/internal/model"
)

// UpsertEntity inserts or updates a tracked entity keyed by (type, name)
func (db *DB) UpsertEntity(ctx context.Context, e model.Entity) (int64, error) {
	if _, ok := model.ParseEntityType(string(e.Type)); !ok {
		return 0, fmt.Errorf("%w: entity type %q", ErrInvalidInput, e.Type)
	}
	if strings.TrimSpace(e.Name) == "" {
		return 0, fmt.Errorf("%w: empty entity name", ErrInvalidInput)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO entities (entity_type, name, aliases, acronym, city, region, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, name) DO UPDATE SET
			aliases = excluded.aliases,
			acronym = excluded.acronym,
			city = excluded.city,
			region = excluded.region,
			is_active = excluded.is_active`,
		string(e.Type), strings.TrimSpace(e.Name), encodeList(e.Aliases), e.Acronym, e.City, e.Region, e.IsActive,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert entity: %w", err)
	}
	return db.GetEntityID(ctx, e.Type, e.Name)
}

// GetEntityID resolves an entity by type and case-insensitive name
func (db *DB) GetEntityID(ctx context.Context, t model.EntityType, name string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE entity_type = ? AND name = ?",
		string(t), strings.TrimSpace(name),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

// GetActiveEntities returns every active entity for the registry snapshot
func (db *DB) GetActiveEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, entity_type, name, aliases, acronym, city, region, is_active
		FROM entities
		WHERE is_active = 1
		ORDER BY entity_type, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		var entityType string
		var aliases, acronym, city, region sql.NullString
		if err := rows.Scan(&e.ID, &entityType, &e.Name, &aliases, &acronym, &city, &region, &e.IsActive); err != nil {
			return nil, err
		}
		e.Type = model.EntityType(entityType)
		e.Aliases = decodeList(aliases)
		e.Acronym = acronym.String
		e.City = city.String
		e.Region = region.String
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// SetEntityActive toggles an entity without deleting its history
func (db *DB) SetEntityActive(ctx context.Context, id int64, active bool) error {
	result, err := db.ExecContext(ctx, "UPDATE entities SET is_active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddExclusionTerm registers a deny-list term. sourceID 0 makes it global.
func (db *DB) AddExclusionTerm(ctx context.Context, sourceID int64, term string) error {
	term = strings.TrimSpace(term)
	if term == "" {
		return fmt.Errorf("%w: empty exclusion term", ErrInvalidInput)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO exclusion_terms (source_id, term, is_active) VALUES (?, ?, 1)
		ON CONFLICT(source_id, term) DO UPDATE SET is_active = 1`,
		sourceID, term,
	)
	return err
}

// GetActiveExclusionTerms returns all active terms, global and per source
func (db *DB) GetActiveExclusionTerms(ctx context.Context) ([]model.ExclusionTerm, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, source_id, term, is_active
		FROM exclusion_terms
		WHERE is_active = 1
		ORDER BY source_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terms []model.ExclusionTerm
	for rows.Next() {
		var t model.ExclusionTerm
		if err := rows.Scan(&t.ID, &t.SourceID, &t.Term, &t.IsActive); err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}
