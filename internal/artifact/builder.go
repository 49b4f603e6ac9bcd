// File: internal/artifact/builder.go

// Package artifact serializes snapshots of live data into backup artifacts and
// back. Credential hashes never reach this package: models.User carries none.
package artifact

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// Artifact is a serialized snapshot ready to be stored
type Artifact struct {
	Data          []byte
	RecordCount   int64
	PlaintextSize int64
}

// Column layouts shared by the CSV writer and reader
var (
	inventoryColumns = []string{"id", "name", "category", "batch_number", "quantity", "unit",
		"destination", "expiry_date", "created_at", "updated_at"}
	userColumns    = []string{"id", "email", "name", "role", "active", "created_at"}
	settingColumns = []string{"key", "value", "updated_at"}
	auditColumns   = []string{"sequence", "id", "timestamp", "actor_id", "action", "entity_type",
		"entity_id", "changes", "ip_address", "user_agent", "signature"}
)

// Build serializes snap in the requested format
func Build(snap *models.Snapshot, format models.BackupFormat) (*Artifact, error) {
	if snap == nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Nothing to serialize", "")
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case models.FormatCSV:
		data, err = buildCSV(snap)
	case models.FormatJSON:
		data, err = buildJSON(snap)
	case models.FormatSQL:
		data = buildSQL(snap)
	default:
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unsupported backup format", string(format))
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to serialize backup", err.Error())
	}

	return &Artifact{
		Data:          data,
		RecordCount:   snap.RecordCount(),
		PlaintextSize: int64(len(data)),
	}, nil
}

// buildJSON writes one compact document. No indentation and no HTML escaping,
// so the stored audit diffs keep their exact bytes.
func buildJSON(snap *models.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildCSV(snap *models.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	directive := func(key, value string) {
		_ = w.Write([]string{fmt.Sprintf("# %s: %s", key, value)})
	}
	directive("schema_version", strconv.Itoa(snap.SchemaVersion))
	directive("generated_at", utils.FormatTimestamp(snap.GeneratedAt))
	directive("full", strconv.FormatBool(snap.Full))

	for _, table := range snap.Tables {
		directive("table", table)
		switch table {
		case models.TableInventoryItems:
			_ = w.Write(inventoryColumns)
			for _, it := range snap.InventoryItems {
				_ = w.Write([]string{it.ID, it.Name, it.Category, it.BatchNumber,
					strconv.FormatInt(it.Quantity, 10), it.Unit, it.Destination, it.ExpiryDate,
					utils.FormatTimestamp(it.CreatedAt), utils.FormatTimestamp(it.UpdatedAt)})
			}
		case models.TableUsers:
			_ = w.Write(userColumns)
			for _, u := range snap.Users {
				_ = w.Write([]string{u.ID, u.Email, u.Name, string(u.Role),
					strconv.FormatBool(u.Active), utils.FormatTimestamp(u.CreatedAt)})
			}
		case models.TableSettings:
			_ = w.Write(settingColumns)
			for _, s := range snap.Settings {
				_ = w.Write([]string{s.Key, s.Value, utils.FormatTimestamp(s.UpdatedAt)})
			}
		case models.TableAuditEntries:
			_ = w.Write(auditColumns)
			for _, e := range snap.AuditEntries {
				_ = w.Write([]string{strconv.FormatInt(e.Sequence, 10), e.ID,
					utils.FormatTimestamp(e.Timestamp), e.ActorID, string(e.Action), e.EntityType,
					e.EntityID, string(e.Changes), e.IPAddress, e.UserAgent, e.Signature})
			}
		default:
			return nil, fmt.Errorf("unknown table %q", table)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildSQL renders a replayable script. Full snapshots clear the replaceable
// tables first; users are upserted so existing credentials survive; audit rows
// are only inserted when missing.
func buildSQL(snap *models.Snapshot) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "-- medtrack backup schema_version=%d generated_at=%s full=%t\n",
		snap.SchemaVersion, utils.FormatTimestamp(snap.GeneratedAt), snap.Full)
	fmt.Fprintf(&b, "-- tables: %s\n", strings.Join(snap.Tables, ","))

	if snap.Full {
		for _, table := range []string{models.TableInventoryItems, models.TableSettings} {
			if snap.Has(table) {
				fmt.Fprintf(&b, "DELETE FROM %s;\n", table)
			}
		}
	}

	for _, it := range snap.InventoryItems {
		fmt.Fprintf(&b, "INSERT INTO inventory_items (%s) VALUES (%s, %s, %s, %s, %d, %s, %s, %s, %s, %s) "+
			"ON CONFLICT (id) DO UPDATE SET name = excluded.name, category = excluded.category, "+
			"batch_number = excluded.batch_number, quantity = excluded.quantity, unit = excluded.unit, "+
			"destination = excluded.destination, expiry_date = excluded.expiry_date, "+
			"created_at = excluded.created_at, updated_at = excluded.updated_at;\n",
			strings.Join(inventoryColumns, ", "),
			quote(it.ID), quote(it.Name), quote(it.Category), quote(it.BatchNumber), it.Quantity,
			quote(it.Unit), quote(it.Destination), quote(it.ExpiryDate),
			quoteTime(it.CreatedAt), quoteTime(it.UpdatedAt))
	}

	for _, u := range snap.Users {
		fmt.Fprintf(&b, "INSERT INTO users (%s) VALUES (%s, %s, %s, %s, %s, %s) "+
			"ON CONFLICT (id) DO UPDATE SET email = excluded.email, name = excluded.name, "+
			"role = excluded.role, active = excluded.active, created_at = excluded.created_at;\n",
			strings.Join(userColumns, ", "),
			quote(u.ID), quote(u.Email), quote(u.Name), quote(string(u.Role)),
			strings.ToUpper(strconv.FormatBool(u.Active)), quoteTime(u.CreatedAt))
	}

	for _, s := range snap.Settings {
		fmt.Fprintf(&b, "INSERT INTO settings (%s) VALUES (%s, %s, %s) "+
			"ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;\n",
			strings.Join(settingColumns, ", "), quote(s.Key), quote(s.Value), quoteTime(s.UpdatedAt))
	}

	for _, e := range snap.AuditEntries {
		fmt.Fprintf(&b, "INSERT INTO audit_entries (sequence, id, recorded_at, actor_id, action, entity_type, "+
			"entity_id, changes, ip_address, user_agent, signature) "+
			"VALUES (%d, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s) ON CONFLICT DO NOTHING;\n",
			e.Sequence, quote(e.ID), quoteTime(e.Timestamp), quote(e.ActorID), quote(string(e.Action)),
			quote(e.EntityType), quote(e.EntityID), quote(string(e.Changes)), quote(e.IPAddress),
			quote(e.UserAgent), quote(e.Signature))
	}

	return []byte(b.String())
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteTime(t time.Time) string {
	return quote(utils.FormatTimestamp(t))
}

// Filename names an artifact after its creation time and type
func Filename(createdAt time.Time, backupType models.BackupType, format models.BackupFormat, encrypted bool) string {
	name := fmt.Sprintf("%s-%s.%s",
		createdAt.UTC().Format("20060102T150405.000Z"),
		strings.ToLower(strings.ReplaceAll(string(backupType), "_", "-")),
		format.Extension())
	if encrypted {
		name += ".encrypted"
	}
	return name
}

// ContentType returns the MIME type used when an artifact is downloaded
func ContentType(format models.BackupFormat, encrypted bool) string {
	if encrypted {
		return "application/octet-stream"
	}
	switch format {
	case models.FormatCSV:
		return "text/csv"
	case models.FormatJSON:
		return "application/json"
	case models.FormatSQL:
		return "application/sql"
	}
	return "application/octet-stream"
}
