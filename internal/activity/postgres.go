package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, event Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}
	if event.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, action, subject_id, ip, user_agent, request_id, metadata, occurred_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8)
	`, event.ID, event.Action, event.SubjectID, event.IP, event.UserAgent, event.RequestID, string(metadata), event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}

	return nil
}

func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, COALESCE(subject_id::text, ''), ip, user_agent, request_id, metadata, occurred_at
		FROM activity_logs
		ORDER BY occurred_at DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query activity logs: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var event Event
		var metadata []byte
		if err := rows.Scan(&event.ID, &event.Action, &event.SubjectID, &event.IP, &event.UserAgent, &event.RequestID, &metadata, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan activity log: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		event.OccurredAt = event.OccurredAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity logs: %w", err)
	}

	return events, nil
}

func (s *PostgresSink) Prune(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM activity_logs
			WHERE occurred_at < $1
			ORDER BY occurred_at ASC
			LIMIT $2
		)
		DELETE FROM activity_logs t
		USING stale
		WHERE t.id = stale.id
	`, before.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale activity logs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale activity logs rows affected: %w", err)
	}

	return affected, nil
}
