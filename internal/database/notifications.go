package database

import (
	"context"
	"database/sql"
	"time"

	"breachscope/internal/model"
)

// AppendNotificationRecord adds one delivery outcome to the audit trail
func (db *DB) AppendNotificationRecord(ctx context.Context, rec model.NotificationRecord) (int64, error) {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	result, err := db.ExecContext(ctx, `
		INSERT INTO notification_records (job_id, user_id, article_id, channel, status, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.UserID, rec.ArticleID, string(rec.Channel), string(rec.Status), rec.Error, rec.SentAt.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetNotificationRecords returns the delivery history of an article
func (db *DB) GetNotificationRecords(ctx context.Context, articleID int64) ([]model.NotificationRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, job_id, user_id, article_id, channel, status, error, sent_at
		FROM notification_records
		WHERE article_id = ?
		ORDER BY id`, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.NotificationRecord
	for rows.Next() {
		var r model.NotificationRecord
		var channel, status string
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.UserID, &r.ArticleID, &channel, &status, &errMsg, &r.SentAt); err != nil {
			return nil, err
		}
		r.Channel = model.Channel(channel)
		r.Status = model.DeliveryStatus(status)
		r.Error = errMsg.String
		records = append(records, r)
	}
	return records, rows.Err()
}
