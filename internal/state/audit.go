package state

import (
	"context"
	"fmt"

	"github.com/kagan-dev/kagan/internal/core"
)

// AppendAudit records one audit event. The trail is append-only; there is no
// update or delete path.
func (s *Store) AppendAudit(ctx context.Context, ev *core.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, actor_type, actor_id, session_id,
			capability, command_name, payload_json, result_json, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, encodeTime(ev.OccurredAt), string(ev.ActorType), ev.ActorID, ev.SessionID,
		ev.Capability, ev.CommandName, ev.PayloadJSON, ev.ResultJSON, boolToInt(ev.Success))
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// ListAudit returns audit events newest first. cursor, when non-empty, is the
// occurred_at of the last row the caller has seen; only strictly older rows
// are returned. Ties on occurred_at break by id so pagination is stable.
func (s *Store) ListAudit(ctx context.Context, capability string, limit int, cursor string) ([]*core.AuditEvent, error) {
	query := `
		SELECT id, occurred_at, actor_type, actor_id, session_id,
			capability, command_name, payload_json, result_json, success
		FROM audit_events WHERE 1=1`
	var args []any
	if capability != "" {
		query += ` AND capability = ?`
		args = append(args, capability)
	}
	if cursor != "" {
		query += ` AND occurred_at < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var events []*core.AuditEvent
	for rows.Next() {
		var (
			ev         core.AuditEvent
			occurredAt string
			success    int
		)
		err := rows.Scan(&ev.ID, &occurredAt, (*string)(&ev.ActorType), &ev.ActorID,
			&ev.SessionID, &ev.Capability, &ev.CommandName, &ev.PayloadJSON,
			&ev.ResultJSON, &success)
		if err != nil {
			return nil, err
		}
		if ev.OccurredAt, err = decodeTime(occurredAt); err != nil {
			return nil, err
		}
		ev.Success = success != 0
		events = append(events, &ev)
	}
	return events, rows.Err()
}
