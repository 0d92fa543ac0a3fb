package audit

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AutoMigrateAll creates the audit and rule tables, then ensures the
// current and next month's event_audit_log partitions exist. It is safe to
// call on every process start; CREATE TABLE IF NOT EXISTS makes it
// idempotent. config_audit_log is written by the (external) rules/config
// UI, not by the core, and is neither created nor partitioned here.
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_audit_log (
			id TEXT NOT NULL,
			event_timestamp TIMESTAMPTZ NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL,
			correlation_id TEXT NOT NULL,
			hostname TEXT NOT NULL,
			severity TEXT,
			matched_rule_id TEXT,
			action TEXT,
			team TEXT,
			extension JSONB,
			PRIMARY KEY (id, event_timestamp)
		) PARTITION BY RANGE (event_timestamp);
	`).Error; err != nil {
		return fmt.Errorf("audit: create event_audit_log: %w", err)
	}

	now := time.Now().UTC()
	if err := ensurePartition(db, now); err != nil {
		return err
	}
	if err := ensurePartition(db, now.AddDate(0, 1, 0)); err != nil {
		return err
	}

	if err := db.AutoMigrate(&alertRuleRow{}, &devHostRowMigration{}, &teamRowMigration{}); err != nil {
		return fmt.Errorf("audit: migrate lookup tables: %w", err)
	}
	return nil
}

// alertRuleRow is a migration-only mirror of rules.ruleRow; it lives here
// (rather than in package rules) so audit, which already owns migrations, is
// the one package that creates the table.
type alertRuleRow struct {
	ID             string `gorm:"column:id;primaryKey"`
	MatchString    string `gorm:"column:match_string"`
	MatchType      string `gorm:"column:match_type"`
	SyslogSeverity *int   `gorm:"column:syslog_severity"`
	TrapOID        string `gorm:"column:trap_oid"`
	Priority       int    `gorm:"column:priority"`
	ProdHandling   string `gorm:"column:prod_handling"`
	DevHandling    string `gorm:"column:dev_handling"`
	TeamAssignment string `gorm:"column:team_assignment"`
	IsActive       bool   `gorm:"column:is_active"`
}

func (alertRuleRow) TableName() string { return "alert_rules" }

type devHostRowMigration struct {
	Hostname          string `gorm:"column:hostname;primaryKey"`
	IsDevelopmentHost bool   `gorm:"column:is_development_host"`
}

func (devHostRowMigration) TableName() string { return "device_hosts" }

type teamRowMigration struct {
	Hostname string `gorm:"column:hostname;primaryKey"`
	Team     string `gorm:"column:team"`
}

func (teamRowMigration) TableName() string { return "device_teams" }

func ensurePartition(db *gorm.DB, month time.Time) error {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	name := fmt.Sprintf("event_audit_log_%04d%02d", start.Year(), start.Month())
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s
		PARTITION OF event_audit_log
		FOR VALUES FROM ('%s') TO ('%s');
	`, name, start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("audit: create partition %s: %w", name, err)
	}
	return nil
}
