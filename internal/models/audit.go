package models

import (
	"encoding/json"
	"strings"
	"time"
)

// AuditAction is the kind of sensitive action an audit entry describes
type AuditAction string

const (
	ActionCreate  AuditAction = "CREATE"
	ActionUpdate  AuditAction = "UPDATE"
	ActionDelete  AuditAction = "DELETE"
	ActionLogin   AuditAction = "LOGIN"
	ActionLogout  AuditAction = "LOGOUT"
	ActionExport  AuditAction = "EXPORT"
	ActionView    AuditAction = "VIEW"
	ActionRevert  AuditAction = "REVERT"
	ActionBackup  AuditAction = "BACKUP"
	ActionRestore AuditAction = "RESTORE"
)

// AllAuditActions lists every valid action in declaration order
var AllAuditActions = []AuditAction{
	ActionCreate, ActionUpdate, ActionDelete, ActionLogin, ActionLogout,
	ActionExport, ActionView, ActionRevert, ActionBackup, ActionRestore,
}

// Valid reports whether a is a known action
func (a AuditAction) Valid() bool {
	for _, known := range AllAuditActions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAuditAction normalizes and validates an action name
func ParseAuditAction(s string) (AuditAction, bool) {
	a := AuditAction(strings.ToUpper(strings.TrimSpace(s)))
	return a, a.Valid()
}

// Entity types with special audit handling.
const (
	EntityBackup       = "backup"
	EntityBackupConfig = "backup_config"
	EntityUserRole     = "user_role"
	EntityPermission   = "permission"
)

// AuditEntry is one immutable, chained record of a sensitive action
type AuditEntry struct {
	ID         string          `json:"id" db:"id"`
	Sequence   int64           `json:"sequence" db:"sequence"`
	Timestamp  time.Time       `json:"timestamp" db:"recorded_at"`
	ActorID    string          `json:"actor_id" db:"actor_id"`
	Action     AuditAction     `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Changes    json.RawMessage `json:"changes" db:"changes"`
	IPAddress  string          `json:"ip_address" db:"ip_address"`
	UserAgent  string          `json:"user_agent" db:"user_agent"`
	Signature  string          `json:"signature" db:"signature"`
}

// ChainTail is the last persisted position of the audit chain
type ChainTail struct {
	Sequence  int64
	Signature string
}

// AuditFilter for querying audit entries
type AuditFilter struct {
	From        *time.Time    `json:"from,omitempty"`
	To          *time.Time    `json:"to,omitempty"`
	ActorIDs    []string      `json:"actor_ids,omitempty"`
	Actions     []AuditAction `json:"actions,omitempty"`
	EntityTypes []string      `json:"entity_types,omitempty"`
	Search      string        `json:"search,omitempty"`
	Limit       int           `json:"limit,omitempty"`
	Offset      int           `json:"offset,omitempty"`
}
