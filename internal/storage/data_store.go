package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const upsertInventoryItem = `
	INSERT INTO inventory_items (id, name, category, batch_number, quantity, unit, destination,
		expiry_date, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		category = excluded.category,
		batch_number = excluded.batch_number,
		quantity = excluded.quantity,
		unit = excluded.unit,
		destination = excluded.destination,
		expiry_date = excluded.expiry_date,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
`

// Existing password hashes are left alone; restored users never carry one.
const upsertUser = `
	INSERT INTO users (id, email, name, role, password_hash, active, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		email = excluded.email,
		name = excluded.name,
		role = excluded.role,
		active = excluded.active,
		created_at = excluded.created_at
`

const upsertSetting = `
	INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`

// SaveInventoryItem upserts an inventory item
func (s *sqlStore) SaveInventoryItem(ctx context.Context, item *models.InventoryItem) error {
	return s.saveInventoryItem(ctx, s.db, item)
}

func (s *sqlStore) saveInventoryItem(ctx context.Context, ex execer, item *models.InventoryItem) error {
	_, err := ex.ExecContext(ctx, s.rebind(upsertInventoryItem),
		item.ID, item.Name, item.Category, item.BatchNumber, item.Quantity, item.Unit,
		item.Destination, item.ExpiryDate, utils.FormatTimestamp(item.CreatedAt),
		utils.FormatTimestamp(item.UpdatedAt))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save inventory item", err.Error())
	}
	return nil
}

// SaveUser upserts a user. passwordHash is only written for new rows.
func (s *sqlStore) SaveUser(ctx context.Context, user *models.User, passwordHash string) error {
	return s.saveUser(ctx, s.db, user, passwordHash)
}

func (s *sqlStore) saveUser(ctx context.Context, ex execer, user *models.User, passwordHash string) error {
	_, err := ex.ExecContext(ctx, s.rebind(upsertUser),
		user.ID, user.Email, user.Name, string(user.Role), passwordHash, user.Active,
		utils.FormatTimestamp(user.CreatedAt))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save user", err.Error())
	}
	return nil
}

// SaveSetting upserts a setting
func (s *sqlStore) SaveSetting(ctx context.Context, setting *models.Setting) error {
	return s.saveSetting(ctx, s.db, setting)
}

func (s *sqlStore) saveSetting(ctx context.Context, ex execer, setting *models.Setting) error {
	_, err := ex.ExecContext(ctx, s.rebind(upsertSetting),
		setting.Key, setting.Value, utils.FormatTimestamp(setting.UpdatedAt))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save setting", err.Error())
	}
	return nil
}

// LoadSnapshot reads the selected live data. GeneratedAt is left for the
// caller to stamp from its clock. A date range narrows inventory items
// (by updated_at) and audit entries (by recorded_at); users and settings are
// reference data and always captured whole when included.
func (s *sqlStore) LoadSnapshot(ctx context.Context, sel models.Selection) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		SchemaVersion: models.SnapshotSchemaVersion,
		Full:          sel.DateFrom == nil && sel.DateTo == nil,
		Tables:        []string{models.TableInventoryItems},
	}

	items, err := s.loadInventoryItems(ctx, sel.DateFrom, sel.DateTo)
	if err != nil {
		return nil, err
	}
	snap.InventoryItems = items

	if sel.IncludeUsers {
		users, err := s.loadUsers(ctx)
		if err != nil {
			return nil, err
		}
		snap.Users = users
		snap.Tables = append(snap.Tables, models.TableUsers)
	}

	if sel.IncludeSettings {
		settings, err := s.loadSettings(ctx)
		if err != nil {
			return nil, err
		}
		snap.Settings = settings
		snap.Tables = append(snap.Tables, models.TableSettings)
	}

	if sel.IncludeAuditLogs {
		entries, err := s.QueryAuditEntries(ctx, models.AuditFilter{From: sel.DateFrom, To: sel.DateTo})
		if err != nil {
			return nil, err
		}
		// Artifacts carry the chain in ascending order so it reads like the log itself.
		snap.AuditEntries = make([]models.AuditEntry, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			snap.AuditEntries = append(snap.AuditEntries, *entries[i])
		}
		snap.Tables = append(snap.Tables, models.TableAuditEntries)
	}

	return snap, nil
}

func (s *sqlStore) loadInventoryItems(ctx context.Context, from, to *time.Time) ([]models.InventoryItem, error) {
	query := `SELECT id, name, category, batch_number, quantity, unit, destination, expiry_date,
		created_at, updated_at FROM inventory_items WHERE 1=1`
	args := []interface{}{}
	n := 1
	if from != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", n)
		args = append(args, utils.FormatTimestamp(*from))
		n++
	}
	if to != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", n)
		args = append(args, utils.FormatTimestamp(*to))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query inventory items", err.Error())
	}
	defer rows.Close()

	items := []models.InventoryItem{}
	for rows.Next() {
		var item models.InventoryItem
		var createdAt, updatedAt string
		if err := rows.Scan(&item.ID, &item.Name, &item.Category, &item.BatchNumber, &item.Quantity,
			&item.Unit, &item.Destination, &item.ExpiryDate, &createdAt, &updatedAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan inventory item", err.Error())
		}
		if item.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *sqlStore) loadUsers(ctx context.Context) ([]models.User, error) {
	// password_hash is deliberately absent from the column list
	rows, err := s.db.QueryContext(ctx, "SELECT id, email, name, role, active, created_at FROM users ORDER BY id ASC")
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query users", err.Error())
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var user models.User
		var role, createdAt string
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &role, &user.Active, &createdAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan user", err.Error())
		}
		user.Role = models.Role(role)
		if user.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *sqlStore) loadSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value, updated_at FROM settings ORDER BY key ASC")
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query settings", err.Error())
	}
	defer rows.Close()

	settings := []models.Setting{}
	for rows.Next() {
		var setting models.Setting
		var updatedAt string
		if err := rows.Scan(&setting.Key, &setting.Value, &updatedAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan setting", err.Error())
		}
		if setting.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

// ApplyRestore writes a decoded snapshot or replays a SQL script inside a single
// transaction. Any error, including ctx expiry, rolls everything back.
func (s *sqlStore) ApplyRestore(ctx context.Context, plan *models.RestorePlan) error {
	if plan == nil || (plan.Snapshot == nil && plan.Script == "") {
		return utils.NewAppError(utils.ErrCodeValidation, "Empty restore plan", "")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin restore transaction", err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	if plan.Script != "" {
		if _, err := tx.ExecContext(ctx, plan.Script); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to replay backup script", err.Error())
		}
	} else if err := s.applySnapshot(ctx, tx, plan.Snapshot); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Restore aborted", err.Error())
	}
	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit restore", err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"script": plan.Script != "",
	}).Info("Restore applied")
	return nil
}

func (s *sqlStore) applySnapshot(ctx context.Context, tx *sql.Tx, snap *models.Snapshot) error {
	if snap.Full {
		// Users are never wiped: that would also drop credentials not carried by artifacts.
		for _, table := range []string{models.TableInventoryItems, models.TableSettings} {
			if !snap.Has(table) {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return utils.NewAppError(utils.ErrCodeDatabase, "Failed to clear "+table, err.Error())
			}
		}
	}

	for i := range snap.InventoryItems {
		if err := s.saveInventoryItem(ctx, tx, &snap.InventoryItems[i]); err != nil {
			return err
		}
	}
	for i := range snap.Users {
		if err := s.saveUser(ctx, tx, &snap.Users[i], ""); err != nil {
			return err
		}
	}
	for i := range snap.Settings {
		if err := s.saveSetting(ctx, tx, &snap.Settings[i]); err != nil {
			return err
		}
	}
	for i := range snap.AuditEntries {
		if err := s.insertMissingAuditEntry(ctx, tx, &snap.AuditEntries[i]); err != nil {
			return err
		}
	}
	return nil
}

// insertMissingAuditEntry re-adds an entry only when its sequence is absent.
// Existing entries are never overwritten.
func (s *sqlStore) insertMissingAuditEntry(ctx context.Context, tx *sql.Tx, e *models.AuditEntry) error {
	changes := e.Changes
	if len(changes) == 0 {
		changes = json.RawMessage("{}")
	}
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`),
		e.Sequence, e.ID, utils.FormatTimestamp(e.Timestamp), e.ActorID, string(e.Action),
		e.EntityType, e.EntityID, string(changes), e.IPAddress, e.UserAgent, e.Signature)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to restore audit entry", err.Error())
	}
	return nil
}
