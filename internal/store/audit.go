package store

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/logwarden/logwarden/internal/errors"
)

// AuditRecord is the flattened row form of an audit entry. Complex columns
// arrive pre-serialized as JSON.
type AuditRecord struct {
	ID            string
	EventType     string
	Severity      string
	Timestamp     time.Time
	UserID        string
	Username      string
	ClientIP      string
	CorrelationID string
	ResourceType  string
	ResourceID    string
	Action        string
	Description   string
	OldValues     string // JSON or empty
	NewValues     string // JSON or empty
	Changes       string // JSON array of changed keys
	Metadata      string // JSON or empty
	Tags          string // JSON array
	Success       bool
	ErrorMessage  string
}

// InsertAuditRecords writes a batch of audit rows inside one transaction.
func (s *Store) InsertAuditRecords(records []AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Database("store", "insert_audit", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_log
			(id, event_type, severity, timestamp, user_id, username, client_ip,
			 correlation_id, resource_type, resource_id, action, description,
			 old_values, new_values, changes, metadata, tags, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Database("store", "insert_audit", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(
			r.ID, r.EventType, r.Severity, r.Timestamp.Unix(), r.UserID, r.Username,
			r.ClientIP, r.CorrelationID, r.ResourceType, r.ResourceID, r.Action,
			r.Description, nullable(r.OldValues), nullable(r.NewValues),
			nullable(r.Changes), nullable(r.Metadata), nullable(r.Tags),
			boolInt(r.Success), r.ErrorMessage); err != nil {
			return apperrors.Database("store", "insert_audit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database("store", "insert_audit", err)
	}
	return nil
}

// AuditQuery filters the audit log.
type AuditQuery struct {
	EventType    string
	Username     string
	ResourceType string
	Since        time.Time
	Until        time.Time
	Limit        int
}

// QueryAudit returns matching rows, newest first.
func (s *Store) QueryAudit(q AuditQuery) ([]AuditRecord, error) {
	var where []string
	var args []any

	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.Username != "" {
		where = append(where, "username = ?")
		args = append(args, q.Username)
	}
	if q.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, q.ResourceType)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.Unix())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until.Unix())
	}

	query := `
		SELECT id, event_type, severity, timestamp, user_id, username, client_ip,
		       correlation_id, resource_type, resource_id, action, description,
		       COALESCE(old_values, ''), COALESCE(new_values, ''), COALESCE(changes, ''),
		       COALESCE(metadata, ''), COALESCE(tags, ''), success, error_message
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Database("store", "query_audit", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var ts int64
		var success int
		if err := rows.Scan(&r.ID, &r.EventType, &r.Severity, &ts, &r.UserID,
			&r.Username, &r.ClientIP, &r.CorrelationID, &r.ResourceType,
			&r.ResourceID, &r.Action, &r.Description, &r.OldValues, &r.NewValues,
			&r.Changes, &r.Metadata, &r.Tags, &success, &r.ErrorMessage); err != nil {
			return nil, apperrors.Database("store", "query_audit", err)
		}
		r.Timestamp = time.Unix(ts, 0)
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
