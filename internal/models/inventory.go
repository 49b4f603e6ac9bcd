package models

import "time"

// Role gates what an actor may do in the core
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleSupervisor Role = "SUPERVISOR"
	RoleDataEntry  Role = "DATA_ENTRY"
	RoleAnalyst    Role = "ANALYST"
	RoleCompliance Role = "COMPLIANCE"
)

// Actor is the identity performing an operation, supplied by the auth layer
type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SystemActor is used for work the scheduler performs on its own
var SystemActor = Actor{ID: "system:scheduler", Role: RoleAdmin}

// CanReadAudit reports whether the actor may query the audit trail
func (a Actor) CanReadAudit() bool {
	switch a.Role {
	case RoleAdmin, RoleSupervisor, RoleCompliance:
		return true
	}
	return false
}

// IsAdmin reports whether the actor holds the administrator role
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// InventoryItem is a stocked medical item at one destination
type InventoryItem struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Category    string    `json:"category" db:"category"`
	BatchNumber string    `json:"batch_number" db:"batch_number"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	Unit        string    `json:"unit" db:"unit"`
	Destination string    `json:"destination" db:"destination"`
	ExpiryDate  string    `json:"expiry_date,omitempty" db:"expiry_date"` // YYYY-MM-DD
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// User is an account as exported in backups. Credential hashes are never part of it.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Role      Role      `json:"role" db:"role"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Setting is an application key/value setting
type Setting struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Selection describes which data a backup captures
type Selection struct {
	IncludeUsers     bool
	IncludeSettings  bool
	IncludeAuditLogs bool
	DateFrom         *time.Time
	DateTo           *time.Time
}

// Snapshot is a point-in-time copy of the selected live data
type Snapshot struct {
	SchemaVersion  int             `json:"schema_version"`
	GeneratedAt    time.Time       `json:"generated_at"`
	Full           bool            `json:"full"`
	Tables         []string        `json:"tables"`
	InventoryItems []InventoryItem `json:"inventory_items"`
	Users          []User          `json:"users,omitempty"`
	Settings       []Setting       `json:"settings,omitempty"`
	AuditEntries   []AuditEntry    `json:"audit_entries,omitempty"`
}

// Tables a snapshot may capture
const (
	TableInventoryItems = "inventory_items"
	TableUsers          = "users"
	TableSettings       = "settings"
	TableAuditEntries   = "audit_entries"
)

// Has reports whether the snapshot captured table
func (s *Snapshot) Has(table string) bool {
	for _, t := range s.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// SnapshotSchemaVersion is bumped whenever the artifact layout changes
const SnapshotSchemaVersion = 1

// RecordCount returns the number of rows held by the snapshot
func (s *Snapshot) RecordCount() int64 {
	return int64(len(s.InventoryItems) + len(s.Users) + len(s.Settings) + len(s.AuditEntries))
}

// RestorePlan is what the storage layer applies inside one transaction
type RestorePlan struct {
	Snapshot *Snapshot // decoded CSV/JSON artifacts
	Script   string    // SQL artifacts are replayed verbatim
}
