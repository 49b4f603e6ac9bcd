// File: internal/storage/audit_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const auditColumns = `sequence, id, recorded_at, actor_id, action, entity_type, entity_id,
	changes, ip_address, user_agent, signature`

// AppendAuditEntry reads the chain tail, lets build produce the next entry and
// inserts it, all inside one transaction.
func (s *sqlStore) AppendAuditEntry(ctx context.Context, build func(tail models.ChainTail) (*models.AuditEntry, error)) (*models.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == dialectPostgres {
		// Serializes appenders across processes; readers are not blocked.
		if _, err := tx.ExecContext(ctx, "LOCK TABLE audit_entries IN SHARE ROW EXCLUSIVE MODE"); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to lock audit chain", err.Error())
		}
	}

	var tail models.ChainTail
	err = tx.QueryRowContext(ctx,
		"SELECT sequence, signature FROM audit_entries ORDER BY sequence DESC LIMIT 1",
	).Scan(&tail.Sequence, &tail.Signature)
	if err != nil && err != sql.ErrNoRows {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read audit chain tail", err.Error())
	}

	entry, err := build(tail)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`),
		entry.Sequence, entry.ID, utils.FormatTimestamp(entry.Timestamp), entry.ActorID,
		string(entry.Action), entry.EntityType, entry.EntityID, string(entry.Changes),
		entry.IPAddress, entry.UserAgent, entry.Signature)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to insert audit entry", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit audit entry", err.Error())
	}

	return entry, nil
}

// GetAuditEntry retrieves one entry by sequence; nil when absent
func (s *sqlStore) GetAuditEntry(ctx context.Context, sequence int64) (*models.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+auditColumns+" FROM audit_entries WHERE sequence = $1"), sequence)
	entry, err := scanAuditEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListAuditEntries returns entries with afterSequence < sequence <= toSequence in ascending order.
// A toSequence of zero means no upper bound.
func (s *sqlStore) ListAuditEntries(ctx context.Context, afterSequence, toSequence int64, limit int) ([]*models.AuditEntry, error) {
	query := "SELECT " + auditColumns + " FROM audit_entries WHERE sequence > $1"
	args := []interface{}{afterSequence}
	n := 2
	if toSequence > 0 {
		query += fmt.Sprintf(" AND sequence <= $%d", n)
		args = append(args, toSequence)
		n++
	}
	query += " ORDER BY sequence ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
	}

	return s.queryAudit(ctx, query, args)
}

// QueryAuditEntries returns entries matching filter, newest first
func (s *sqlStore) QueryAuditEntries(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	where, args, n := s.auditWhere(filter)
	query := "SELECT " + auditColumns + " FROM audit_entries" + where + " ORDER BY sequence DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	return s.queryAudit(ctx, query, args)
}

// CountAuditEntries returns the number of entries matching filter, ignoring pagination
func (s *sqlStore) CountAuditEntries(ctx context.Context, filter models.AuditFilter) (int64, error) {
	where, args, _ := s.auditWhere(filter)

	var count int64
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM audit_entries"+where), args...).Scan(&count); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count audit entries", err.Error())
	}
	return count, nil
}

func (s *sqlStore) auditWhere(filter models.AuditFilter) (string, []interface{}, int) {
	var conds []string
	var args []interface{}
	n := 1

	if filter.From != nil {
		conds = append(conds, fmt.Sprintf("recorded_at >= $%d", n))
		args = append(args, utils.FormatTimestamp(*filter.From))
		n++
	}
	if filter.To != nil {
		conds = append(conds, fmt.Sprintf("recorded_at <= $%d", n))
		args = append(args, utils.FormatTimestamp(*filter.To))
		n++
	}
	if len(filter.ActorIDs) > 0 {
		var clause string
		clause, n = inClause("actor_id", n, len(filter.ActorIDs))
		conds = append(conds, clause)
		for _, id := range filter.ActorIDs {
			args = append(args, id)
		}
	}
	if len(filter.Actions) > 0 {
		var clause string
		clause, n = inClause("action", n, len(filter.Actions))
		conds = append(conds, clause)
		for _, a := range filter.Actions {
			args = append(args, string(a))
		}
	}
	if len(filter.EntityTypes) > 0 {
		var clause string
		clause, n = inClause("entity_type", n, len(filter.EntityTypes))
		conds = append(conds, clause)
		for _, et := range filter.EntityTypes {
			args = append(args, et)
		}
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		conds = append(conds, fmt.Sprintf("LOWER(changes) LIKE $%d", n))
		args = append(args, "%"+strings.ToLower(search)+"%")
		n++
	}

	if len(conds) == 0 {
		return "", args, n
	}
	return " WHERE " + strings.Join(conds, " AND "), args, n
}

func (s *sqlStore) queryAudit(ctx context.Context, query string, args []interface{}) ([]*models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query audit entries", err.Error())
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate audit entries", err.Error())
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditEntry(row rowScanner) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	var recordedAt, action, changes string

	err := row.Scan(&entry.Sequence, &entry.ID, &recordedAt, &entry.ActorID, &action,
		&entry.EntityType, &entry.EntityID, &changes, &entry.IPAddress, &entry.UserAgent,
		&entry.Signature)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan audit entry", err.Error())
	}

	ts, err := parseTime(recordedAt)
	if err != nil {
		return nil, err
	}
	entry.Timestamp = ts
	entry.Action = models.AuditAction(action)
	entry.Changes = json.RawMessage(changes)
	return &entry, nil
}
