// internal/database/schema.go
// Database schema and migration logic for the breachscope alert store
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const Schema = `
-- Settings table
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT,
    type TEXT,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Feed sources
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT UNIQUE NOT NULL,
    title TEXT,
    tags TEXT NOT NULL DEFAULT '[]',
    is_active BOOLEAN NOT NULL DEFAULT 1,
    status TEXT DEFAULT 'pending',
    error_count INTEGER DEFAULT 0,
    last_error TEXT,
    last_fetched TIMESTAMP,
    last_modified TEXT,
    etag TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Accepted articles, at most one per link
CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id INTEGER NOT NULL DEFAULT 0,
    link TEXT NOT NULL UNIQUE,
    guid TEXT,
    title TEXT NOT NULL,
    description TEXT,
    body TEXT,
    content_enriched BOOLEAN NOT NULL DEFAULT 0,
    published_at TIMESTAMP NOT NULL,
    image_url TEXT,
    severity TEXT NOT NULL DEFAULT 'MEDIUM',
    alert_type TEXT NOT NULL DEFAULT 'SECURITY_MENTION',
    classification_confidence REAL NOT NULL DEFAULT 0,
    incident_type TEXT,
    categories TEXT NOT NULL DEFAULT '[]',
    analyzed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Deleted articles that must never come back
CREATE TABLE IF NOT EXISTS tombstones (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    link TEXT NOT NULL UNIQUE,
    guid TEXT,
    reason TEXT,
    deleted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Exclusion terms, source_id 0 is global
CREATE TABLE IF NOT EXISTS exclusion_terms (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id INTEGER NOT NULL DEFAULT 0,
    term TEXT NOT NULL COLLATE NOCASE,
    is_active BOOLEAN NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source_id, term)
);

-- Tracked entities
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL CHECK(entity_type IN ('keyword', 'company', 'agency', 'location')),
    name TEXT NOT NULL COLLATE NOCASE,
    aliases TEXT NOT NULL DEFAULT '[]',
    acronym TEXT,
    city TEXT,
    region TEXT,
    is_active BOOLEAN NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(entity_type, name)
);

-- Article to entity matches
CREATE TABLE IF NOT EXISTS matches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    article_id INTEGER NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id INTEGER NOT NULL,
    term TEXT,
    confidence REAL NOT NULL,
    context TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (article_id) REFERENCES articles(id) ON DELETE CASCADE,
    UNIQUE(article_id, entity_type, entity_id)
);

-- Subscribers and their delivery addresses
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    email TEXT,
    phone TEXT,
    device_token TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Subscriptions, unique per (user, entity)
CREATE TABLE IF NOT EXISTS subscriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id INTEGER NOT NULL,
    email_enabled BOOLEAN NOT NULL DEFAULT 1,
    sms_enabled BOOLEAN NOT NULL DEFAULT 0,
    push_enabled BOOLEAN NOT NULL DEFAULT 0,
    severity_floor TEXT,
    alert_types TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
    UNIQUE(user_id, entity_type, entity_id)
);

-- Delivery audit trail, append only
CREATE TABLE IF NOT EXISTS notification_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    user_id INTEGER NOT NULL,
    article_id INTEGER NOT NULL,
    channel TEXT NOT NULL CHECK(channel IN ('email', 'sms', 'push')),
    status TEXT NOT NULL CHECK(status IN ('SENT', 'FAILED')),
    error TEXT,
    sent_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

const Indexes = `
-- Source indexes
CREATE INDEX IF NOT EXISTS idx_sources_active ON sources(is_active, last_fetched);

-- Article indexes
CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_alert ON articles(alert_type, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_guid ON articles(guid);
CREATE INDEX IF NOT EXISTS idx_articles_unanalyzed ON articles(id) WHERE analyzed_at IS NULL;

-- Tombstone guid lookups
CREATE INDEX IF NOT EXISTS idx_tombstones_guid ON tombstones(guid);

-- Registry indexes
CREATE INDEX IF NOT EXISTS idx_entities_active ON entities(is_active, entity_type);
CREATE INDEX IF NOT EXISTS idx_exclusion_terms_active ON exclusion_terms(is_active, source_id);

-- Match and subscription lookups
CREATE INDEX IF NOT EXISTS idx_matches_entity ON matches(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_target ON subscriptions(entity_type, entity_id, is_active);

-- Delivery history
CREATE INDEX IF NOT EXISTS idx_notification_records_article ON notification_records(article_id, sent_at DESC);
CREATE INDEX IF NOT EXISTS idx_notification_records_user ON notification_records(user_id, sent_at DESC);`

// DB represents our database connection and operations
type DB struct {
	*sql.DB
}

// Configuration for the database
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the default database configuration
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Open opens a SQLite database with the pragmas the store relies on and
// configures the connection pool. An in-memory database is pinned to a single
// connection, since every new connection would otherwise see an empty database.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON&_synchronous=NORMAL",
		dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if dbPath == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
		cfg.ConnMaxIdleTime = 0
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	return db, nil
}

// NewDB creates a new database connection with optimized settings
func NewDB(dbPath string, cfg Config) (*DB, error) {
	db, err := Open(dbPath, cfg)
	if err != nil {
		return nil, err
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}

	return &DB{db}, nil
}

func createSchema(db *sql.DB) error {
	if _, err := db.Exec(`
        PRAGMA journal_mode=WAL;
        PRAGMA foreign_keys=ON;
        PRAGMA synchronous=NORMAL;
        PRAGMA cache_size=10000;
        PRAGMA temp_store=MEMORY;
    `); err != nil {
		return fmt.Errorf("error setting pragmas: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(Schema); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing schema: %w", err)
	}

	// Columns added after the first release. backfill runs once, right after
	// the column is added to an existing table.
	columnUpdates := []struct {
		table, column, definition, backfill string
	}{
		{"articles", "incident_type", "TEXT", ""},
		{"articles", "content_enriched", "BOOLEAN NOT NULL DEFAULT 0", ""},
		{"articles", "analyzed_at", "TIMESTAMP", "UPDATE articles SET analyzed_at = created_at"},
		{"sources", "status", "TEXT DEFAULT 'pending'", ""},
		{"sources", "error_count", "INTEGER DEFAULT 0", ""},
		{"sources", "last_error", "TEXT", ""},
		{"settings", "type", "TEXT DEFAULT 'string'", ""},
	}

	for _, col := range columnUpdates {
		exists, err := columnExists(db, col.table, col.column)
		if err != nil {
			return fmt.Errorf("error checking column %s.%s: %w", col.table, col.column, err)
		}
		if !exists {
			_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				col.table, col.column, col.definition))
			if err != nil {
				return fmt.Errorf("error adding column %s.%s: %w", col.table, col.column, err)
			}
			if col.backfill != "" {
				if _, err := db.Exec(col.backfill); err != nil {
					return fmt.Errorf("error backfilling column %s.%s: %w", col.table, col.column, err)
				}
			}
		}
	}

	if err := createTriggers(db); err != nil {
		return fmt.Errorf("error creating triggers: %w", err)
	}

	if _, err := db.Exec(Indexes); err != nil {
		return fmt.Errorf("error creating indexes: %w", err)
	}

	if err := insertDefaultSettings(db); err != nil {
		return fmt.Errorf("error inserting default settings: %w", err)
	}

	return nil
}

func columnExists(db *sql.DB, tableName, columnName string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s);", tableName)
	rows, err := db.Query(query)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int

		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == columnName {
			found = true
		}
	}

	return found, rows.Err()
}

// createTriggers keeps updated_at current on the mutable registry tables
func createTriggers(db *sql.DB) error {
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS sources_updated_at_trigger
		AFTER UPDATE ON sources
		FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
		BEGIN
			UPDATE sources SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END;`,

		`CREATE TRIGGER IF NOT EXISTS entities_updated_at_trigger
		AFTER UPDATE ON entities
		FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
		BEGIN
			UPDATE entities SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END;`,

		`CREATE TRIGGER IF NOT EXISTS subscriptions_updated_at_trigger
		AFTER UPDATE ON subscriptions
		FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
		BEGIN
			UPDATE subscriptions SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END;`,
	}

	for _, trigger := range triggers {
		if _, err := db.Exec(trigger); err != nil {
			return err
		}
	}
	return nil
}

func insertDefaultSettings(db *sql.DB) error {
	defaultSettings := map[string]string{
		"update_interval":  "900",
		"ingest_batch":     "5",
		"enrich_min_chars": "500",
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO settings (key, value, type)
        SELECT ?, ?, 'int' WHERE NOT EXISTS (SELECT 1 FROM settings WHERE key = ?)`)
	if err != nil {
		return fmt.Errorf("error preparing statement: %w", err)
	}
	defer stmt.Close()

	for key, value := range defaultSettings {
		if _, err := stmt.Exec(key, value, key); err != nil {
			return fmt.Errorf("error inserting default setting %s: %w", key, err)
		}
	}

	return tx.Commit()
}
