package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"breachscope/internal/model"
)

// UpsertUser creates or updates a subscriber keyed by name
func (db *DB) UpsertUser(ctx context.Context, u model.User) (int64, error) {
	if strings.TrimSpace(u.Name) == "" {
		return 0, fmt.Errorf("%w: empty user name", ErrInvalidInput)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (name, email, phone, device_token) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			email = excluded.email,
			phone = excluded.phone,
			device_token = excluded.device_token`,
		u.Name, u.Email, u.Phone, u.DeviceToken,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert user: %w", err)
	}

	var id int64
	if err := db.QueryRowContext(ctx, "SELECT id FROM users WHERE name = ?", u.Name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertSubscription creates or replaces the subscription for
// (user, entity type, entity id).
func (db *DB) UpsertSubscription(ctx context.Context, s model.Subscription) (int64, error) {
	types := make([]string, 0, len(s.AlertTypes))
	for _, t := range s.AlertTypes {
		if _, ok := model.ParseAlertType(string(t)); !ok {
			return 0, fmt.Errorf("%w: alert type %q", ErrInvalidInput, t)
		}
		types = append(types, string(t))
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			user_id, entity_type, entity_id, email_enabled, sms_enabled, push_enabled,
			severity_floor, alert_types, is_active
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, entity_type, entity_id) DO UPDATE SET
			email_enabled = excluded.email_enabled,
			sms_enabled = excluded.sms_enabled,
			push_enabled = excluded.push_enabled,
			severity_floor = excluded.severity_floor,
			alert_types = excluded.alert_types,
			is_active = excluded.is_active`,
		s.UserID, string(s.EntityType), s.EntityID, s.Channels.Email, s.Channels.SMS, s.Channels.Push,
		string(s.SeverityFloor), strings.Join(types, ","), s.IsActive,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert subscription: %w", err)
	}

	var id int64
	err = db.QueryRowContext(ctx,
		"SELECT id FROM subscriptions WHERE user_id = ? AND entity_type = ? AND entity_id = ?",
		s.UserID, string(s.EntityType), s.EntityID,
	).Scan(&id)
	return id, err
}

// GetActiveSubscriptionsFor loads active subscriptions targeting any of keys,
// joined with the subscriber's delivery addresses.
func (db *DB) GetActiveSubscriptionsFor(ctx context.Context, keys []model.EntityKey) ([]model.Subscription, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	targets := make(sq.Or, 0, len(keys))
	for _, k := range keys {
		targets = append(targets, sq.Eq{"s.entity_type": string(k.Type), "s.entity_id": k.ID})
	}

	b := sq.Select(
		"s.id", "s.user_id", "s.entity_type", "s.entity_id",
		"s.email_enabled", "s.sms_enabled", "s.push_enabled",
		"s.severity_floor", "s.alert_types", "s.is_active",
		"u.name", "u.email", "u.phone", "u.device_token",
	).
		From("subscriptions s").
		Join("users u ON u.id = s.user_id").
		Where(sq.Eq{"s.is_active": true}).
		Where(targets).
		OrderBy("s.id")

	rows, err := selectRows(ctx, db, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var s model.Subscription
		var entityType string
		var floor, alertTypes, email, phone, token sql.NullString
		err := rows.Scan(
			&s.ID, &s.UserID, &entityType, &s.EntityID,
			&s.Channels.Email, &s.Channels.SMS, &s.Channels.Push,
			&floor, &alertTypes, &s.IsActive,
			&s.User.Name, &email, &phone, &token,
		)
		if err != nil {
			return nil, err
		}
		s.EntityType = model.EntityType(entityType)
		s.User.ID = s.UserID
		s.User.Email = email.String
		s.User.Phone = phone.String
		s.User.DeviceToken = token.String
		if sev, ok := model.ParseSeverity(floor.String); ok {
			s.SeverityFloor = sev
		}
		for _, raw := range strings.Split(alertTypes.String, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			if t, ok := model.ParseAlertType(raw); ok {
				s.AlertTypes = append(s.AlertTypes, t)
			} else {
				s.UnknownAlertTypes = append(s.UnknownAlertTypes, raw)
			}
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
