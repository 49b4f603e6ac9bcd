// File: internal/audit/query.go
package audit

import (
	"context"

	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one page of query results
type Page struct {
	Entries []*models.AuditEntry `json:"entries"`
	Total   int64                `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// Query serves filtered, paginated reads of the chain to privileged roles
type Query struct {
	store storage.Storage
}

// NewQuery creates a query service
func NewQuery(store storage.Storage) *Query {
	return &Query{store: store}
}

// Query returns entries matching filter, newest first
func (q *Query) Query(ctx context.Context, actor models.Actor, filter models.AuditFilter) (*Page, error) {
	if !actor.CanReadAudit() {
		return nil, utils.NewAppError(utils.ErrCodeForbidden, "Role may not read the audit trail", string(actor.Role))
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid date range", "to is before from")
	}
	for _, a := range filter.Actions {
		if !a.Valid() {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Unknown audit action", string(a))
		}
	}

	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultPageSize
	case filter.Limit > MaxPageSize:
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	total, err := q.store.CountAuditEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	entries, err := q.store.QueryAuditEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}

	return &Page{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}
