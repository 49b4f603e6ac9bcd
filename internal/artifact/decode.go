package artifact

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// Decode parses a plaintext CSV or JSON artifact back into a snapshot.
// SQL artifacts are replayed as scripts and are not decoded.
func Decode(data []byte, format models.BackupFormat) (*models.Snapshot, error) {
	var (
		snap *models.Snapshot
		err  error
	)
	switch format {
	case models.FormatJSON:
		snap, err = decodeJSON(data)
	case models.FormatCSV:
		snap, err = decodeCSV(data)
	default:
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Format cannot be decoded", string(format))
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Malformed backup artifact", err.Error())
	}
	if snap.SchemaVersion != models.SnapshotSchemaVersion {
		return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Unsupported artifact schema version",
			strconv.Itoa(snap.SchemaVersion))
	}
	return snap, nil
}

// PlanFor turns plaintext artifact bytes into a restore plan
func PlanFor(data []byte, format models.BackupFormat) (*models.RestorePlan, error) {
	if format == models.FormatSQL {
		if !bytes.HasPrefix(data, []byte("-- medtrack backup")) {
			return nil, utils.NewAppError(utils.ErrCodeIntegrity, "Malformed backup artifact", "missing SQL header")
		}
		return &models.RestorePlan{Script: string(data)}, nil
	}
	snap, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return &models.RestorePlan{Snapshot: snap}, nil
}

func decodeJSON(data []byte) (*models.Snapshot, error) {
	var snap models.Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func decodeCSV(data []byte) (*models.Snapshot, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	snap := &models.Snapshot{}
	var (
		table  string
		header map[string]int
	)

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		// Every table has several columns, so a lone "# key: value" field is a directive
		if len(record) == 1 && strings.HasPrefix(record[0], "# ") {
			key, value, ok := strings.Cut(strings.TrimPrefix(record[0], "# "), ": ")
			if !ok {
				return nil, fmt.Errorf("malformed directive %q", record[0])
			}
			switch key {
			case "schema_version":
				if snap.SchemaVersion, err = strconv.Atoi(value); err != nil {
					return nil, err
				}
			case "generated_at":
				if snap.GeneratedAt, err = utils.ParseTimestamp(value); err != nil {
					return nil, err
				}
			case "full":
				if snap.Full, err = strconv.ParseBool(value); err != nil {
					return nil, err
				}
			case "table":
				table, header = value, nil
				snap.Tables = append(snap.Tables, value)
			default:
				return nil, fmt.Errorf("unknown directive %q", key)
			}
			continue
		}

		if table == "" {
			return nil, fmt.Errorf("row outside of a table section")
		}
		if header == nil {
			header = make(map[string]int, len(record))
			for i, name := range record {
				header[name] = i
			}
			continue
		}

		row := csvRow{header: header, record: record}
		if err := appendRow(snap, table, row); err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
	}

	return snap, nil
}

type csvRow struct {
	header map[string]int
	record []string
	err    error
}

func (r *csvRow) str(col string) string {
	i, ok := r.header[col]
	if !ok || i >= len(r.record) {
		if r.err == nil {
			r.err = fmt.Errorf("missing column %q", col)
		}
		return ""
	}
	return r.record[i]
}

func (r *csvRow) integer(col string) int64 {
	v, err := strconv.ParseInt(r.str(col), 10, 64)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("column %q: %w", col, err)
	}
	return v
}

func (r *csvRow) boolean(col string) bool {
	v, err := strconv.ParseBool(r.str(col))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("column %q: %w", col, err)
	}
	return v
}

func (r *csvRow) timestamp(col string) time.Time {
	t, err := utils.ParseTimestamp(r.str(col))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("column %q: %w", col, err)
	}
	return t
}

func appendRow(snap *models.Snapshot, table string, row csvRow) error {
	switch table {
	case models.TableInventoryItems:
		snap.InventoryItems = append(snap.InventoryItems, models.InventoryItem{
			ID:          row.str("id"),
			Name:        row.str("name"),
			Category:    row.str("category"),
			BatchNumber: row.str("batch_number"),
			Quantity:    row.integer("quantity"),
			Unit:        row.str("unit"),
			Destination: row.str("destination"),
			ExpiryDate:  row.str("expiry_date"),
			CreatedAt:   row.timestamp("created_at"),
			UpdatedAt:   row.timestamp("updated_at"),
		})
	case models.TableUsers:
		snap.Users = append(snap.Users, models.User{
			ID:        row.str("id"),
			Email:     row.str("email"),
			Name:      row.str("name"),
			Role:      models.Role(row.str("role")),
			Active:    row.boolean("active"),
			CreatedAt: row.timestamp("created_at"),
		})
	case models.TableSettings:
		snap.Settings = append(snap.Settings, models.Setting{
			Key:       row.str("key"),
			Value:     row.str("value"),
			UpdatedAt: row.timestamp("updated_at"),
		})
	case models.TableAuditEntries:
		snap.AuditEntries = append(snap.AuditEntries, models.AuditEntry{
			Sequence:   row.integer("sequence"),
			ID:         row.str("id"),
			Timestamp:  row.timestamp("timestamp"),
			ActorID:    row.str("actor_id"),
			Action:     models.AuditAction(row.str("action")),
			EntityType: row.str("entity_type"),
			EntityID:   row.str("entity_id"),
			Changes:    json.RawMessage(row.str("changes")),
			IPAddress:  row.str("ip_address"),
			UserAgent:  row.str("user_agent"),
			Signature:  row.str("signature"),
		})
	default:
		return fmt.Errorf("unknown table")
	}
	return row.err
}
