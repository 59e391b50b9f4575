package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"breachscope/internal/model"
)

const articleColumns = `id, source_id, link, guid, title, description, body, content_enriched,
	published_at, image_url, severity, alert_type, classification_confidence, incident_type,
	categories, created_at`

// ArticleExists reports whether an article with link has already been accepted
func (db *DB) ArticleExists(ctx context.Context, link string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM articles WHERE link = ?)", link,
	).Scan(&exists)
	return exists, err
}

// InsertArticleIfAbsent creates the article unless one with the same link
// already exists. It reports whether a row was created; losing a concurrent
// insert race is reported as (false, nil).
func (db *DB) InsertArticleIfAbsent(ctx context.Context, a *model.Article) (bool, error) {
	if strings.TrimSpace(a.Link) == "" {
		return false, fmt.Errorf("%w: empty link", ErrInvalidInput)
	}
	if a.Severity == "" {
		a.Severity = model.SeverityMedium
	}
	if a.AlertType == "" {
		a.AlertType = model.AlertMention
	}
	if a.PublishedAt.IsZero() {
		a.PublishedAt = time.Now().UTC()
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO articles (
			source_id, link, guid, title, description, body, published_at,
			image_url, severity, alert_type, categories
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(link) DO NOTHING`,
		a.SourceID, a.Link, a.GUID, a.Title, a.Description, a.Body, a.PublishedAt.UTC(),
		a.ImageURL, string(a.Severity), string(a.AlertType), encodeList(a.Categories),
	)
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, err
	}
	a.ID = id
	return true, nil
}

// GetArticle loads one article by id
func (db *DB) GetArticle(ctx context.Context, id int64) (*model.Article, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+articleColumns+" FROM articles WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	articles, err := scanArticles(rows)
	if err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return nil, ErrNotFound
	}
	return &articles[0], nil
}

// ListUnanalyzed returns accepted articles whose analysis was never saved,
// oldest first. A cycle interrupted between ingestion and analysis leaves
// its articles here for the next cycle to pick up.
func (db *DB) ListUnanalyzed(ctx context.Context, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 500
	}
	b := sq.Select(articleColumns).From("articles").
		Where(sq.Eq{"analyzed_at": nil}).
		OrderBy("id").
		Limit(uint64(limit))

	rows, err := selectRows(ctx, db, b)
	if err != nil {
		return nil, err
	}
	return scanArticles(rows)
}

// ListAlerts returns recent articles of the given alert types, newest first
func (db *DB) ListAlerts(ctx context.Context, alertTypes []model.AlertType, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = 50
	}
	types := make([]string, 0, len(alertTypes))
	for _, t := range alertTypes {
		types = append(types, string(t))
	}

	b := sq.Select(articleColumns).From("articles").
		OrderBy("published_at DESC", "id DESC").
		Limit(uint64(limit))
	if len(types) > 0 {
		b = b.Where(sq.Eq{"alert_type": types})
	}

	rows, err := selectRows(ctx, db, b)
	if err != nil {
		return nil, err
	}
	return scanArticles(rows)
}

// UpdateArticleBody replaces the feed text with enriched full text
func (db *DB) UpdateArticleBody(ctx context.Context, id int64, body string) error {
	result, err := db.ExecContext(ctx,
		"UPDATE articles SET body = ?, content_enriched = 1 WHERE id = ?", body, id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAnalysis stores the classification and replaces the article's match
// set in a single transaction.
func (db *DB) SaveAnalysis(ctx context.Context, articleID int64, c model.Classification, matches []model.Match) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE articles SET severity = ?, alert_type = ?, classification_confidence = ?, incident_type = ?,
			analyzed_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(c.Severity), string(c.AlertType), c.Confidence, c.IncidentType, articleID,
	)
	if err != nil {
		return fmt.Errorf("update classification: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM matches WHERE article_id = ?", articleID); err != nil {
		return fmt.Errorf("clear matches: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO matches (article_id, entity_type, entity_id, term, confidence, context)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(article_id, entity_type, entity_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range matches {
		if _, err := stmt.ExecContext(ctx,
			articleID, string(m.EntityType), m.EntityID, m.Term, m.Confidence, m.Context,
		); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
	}

	return tx.Commit()
}

// GetMatches returns the match set of an article
func (db *DB) GetMatches(ctx context.Context, articleID int64) ([]model.Match, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT article_id, entity_type, entity_id, term, confidence, context
		FROM matches WHERE article_id = ?
		ORDER BY confidence DESC, id`, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		var m model.Match
		var entityType string
		var term, snippet sql.NullString
		if err := rows.Scan(&m.ArticleID, &entityType, &m.EntityID, &term, &m.Confidence, &snippet); err != nil {
			return nil, err
		}
		m.EntityType = model.EntityType(entityType)
		m.Term = term.String
		m.Context = snippet.String
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// IsTombstoned reports whether link or guid belongs to a deleted article
func (db *DB) IsTombstoned(ctx context.Context, link, guid string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM tombstones
			WHERE link = ? OR (? <> '' AND guid = ?)
		)`, link, guid, guid,
	).Scan(&exists)
	return exists, err
}

// DeleteArticle removes an article and its matches and records a tombstone
// so the link is never ingested again.
func (db *DB) DeleteArticle(ctx context.Context, id int64, reason string) (*model.Tombstone, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var link string
	var guid sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT link, guid FROM articles WHERE id = ?", id).Scan(&link, &guid)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ts := &model.Tombstone{Link: link, GUID: guid.String, Reason: reason, DeletedAt: time.Now().UTC()}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tombstones (link, guid, reason, deleted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(link) DO NOTHING`,
		ts.Link, ts.GUID, ts.Reason, ts.DeletedAt,
	); err != nil {
		return nil, fmt.Errorf("insert tombstone: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM matches WHERE article_id = ?", id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM articles WHERE id = ?", id); err != nil {
		return nil, err
	}

	return ts, tx.Commit()
}

// scanArticles drains and closes rows
func scanArticles(rows *sql.Rows) ([]model.Article, error) {
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		var a model.Article
		var guid, description, body, imageURL, incidentType, categories sql.NullString
		var severity, alertType string
		err := rows.Scan(
			&a.ID, &a.SourceID, &a.Link, &guid, &a.Title, &description, &body, &a.ContentEnriched,
			&a.PublishedAt, &imageURL, &severity, &alertType, &a.ClassificationConfidence, &incidentType,
			&categories, &a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		a.GUID = guid.String
		a.Description = description.String
		a.Body = body.String
		a.ImageURL = imageURL.String
		a.IncidentType = incidentType.String
		a.Severity = model.Severity(severity)
		a.AlertType = model.AlertType(alertType)
		a.Categories = decodeList(categories)
		articles = append(articles, a)
	}
	return articles, rows.Err()
}
