// Package audit writes the append-only, month-partitioned record of every
// event the alerter processed, independent of whether it matched a rule.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/muttpipeline/mutt/internal/events"
	"github.com/muttpipeline/mutt/internal/pkg/dbctx"
)

// EventAuditLog is one row of event_audit_log. Extension is a JSONB column
// holding the event's free-form attributes, without forcing a migration for
// every new field a downstream team adds to the wire payload.
type EventAuditLog struct {
	ID             string         `gorm:"column:id;primaryKey"`
	EventTimestamp time.Time      `gorm:"column:event_timestamp;index"`
	IngestedAt     time.Time      `gorm:"column:ingested_at"`
	CorrelationID  string         `gorm:"column:correlation_id;index"`
	Hostname       string         `gorm:"column:hostname;index"`
	Severity       string         `gorm:"column:severity"`
	MatchedRuleID  string         `gorm:"column:matched_rule_id"`
	Action         string         `gorm:"column:action"`
	Team           string         `gorm:"column:team"`
	Extension      datatypes.JSON `gorm:"column:extension"`
}

// TableName partitions by month so old partitions can be dropped cheaply
// instead of deleted row by row; migrate.go creates the parent table and
// the current/next partitions.
func (EventAuditLog) TableName() string { return "event_audit_log" }

// Store wraps the audit table's read/write surface used by the alerter.
type Store struct {
	db *gorm.DB
}

// NewStore builds a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WriteEventAudit persists one audit row. matchedRuleID is empty when the
// event matched no rule, which the alerter also uses to decide whether to
// trigger the unhandled-event meta-alert. action records the prod/dev
// handling the alerter applied (or "unhandled" when nothing matched).
//
// dbc carries the request context and, when the caller is already inside a
// transaction, the *gorm.DB to write through instead of s.db.
func (s *Store) WriteEventAudit(dbc dbctx.Context, ev *events.Event, matchedRuleID, action, team string, extension datatypes.JSON) error {
	row := EventAuditLog{
		ID:             uuid.New().String(),
		EventTimestamp: ev.Timestamp,
		IngestedAt:     ev.IngestedAt,
		CorrelationID:  ev.CorrelationID,
		Hostname:       ev.Hostname,
		Severity:       ev.Severity(),
		MatchedRuleID:  matchedRuleID,
		Action:         action,
		Team:           team,
		Extension:      extension,
	}
	if err := s.conn(dbc).Create(&row).Error; err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	return nil
}

// conn resolves the *gorm.DB to issue a query against: dbc.Tx when the
// caller is already inside a transaction, otherwise the store's own
// connection bound to dbc.Ctx.
func (s *Store) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return s.db.WithContext(dbc.Ctx)
}

// HealthCheck verifies the audit store's database connection is reachable,
// used by the /health endpoint to report a degraded dependency rather than
// a blanket healthy/unhealthy signal.
func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("audit: health check: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("audit: health check: ping: %w", err)
	}
	return nil
}
