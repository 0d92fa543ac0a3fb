package rules

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/muttpipeline/mutt/internal/platform/logger"
)

// ruleRow is the audit store's representation of a Rule, stored in the
// "alert_rules" table.
type ruleRow struct {
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

func (ruleRow) TableName() string { return "alert_rules" }

// devHostRow is one row of the development-host lookup table.
type devHostRow struct {
	Hostname         string `gorm:"column:hostname;primaryKey"`
	IsDevelopmentHost bool  `gorm:"column:is_development_host"`
}

func (devHostRow) TableName() string { return "device_hosts" }

// teamRow is one row of the device-team lookup table.
type teamRow struct {
	Hostname string `gorm:"column:hostname;primaryKey"`
	Team     string `gorm:"column:team"`
}

func (teamRow) TableName() string { return "device_teams" }

// Cache holds the currently active rule Snapshot behind an atomic.Pointer so
// the alerter's hot match path never blocks on a mutex, and a Reload in
// progress never exposes a partially-built rule set to a concurrent reader.
// Cache fails fast on the first Reload: the alerter refuses to start if the
// audit store is unreachable at startup, to avoid silently misclassifying
// every event against an empty rule set.
type Cache struct {
	db             *gorm.DB
	snapshot       atomic.Pointer[Snapshot]
	log            *logger.Logger
	lastLoadOK     atomic.Bool
}

// NewCache builds an empty Cache; call Reload before serving traffic.
func NewCache(db *gorm.DB, log *logger.Logger) *Cache {
	c := &Cache{db: db, log: log.With("component", "rules.Cache")}
	c.snapshot.Store(newSnapshot(nil, nil, nil))
	return c
}

// Current returns the active Snapshot for matching.
func (c *Cache) Current() *Snapshot {
	return c.snapshot.Load()
}

// LastLoadOK reports whether the most recent Reload attempt succeeded,
// backing the rule_cache_load_success gauge.
func (c *Cache) LastLoadOK() bool {
	return c.lastLoadOK.Load()
}

// Reload reads every rule, dev-host, and team row from the audit store,
// compiles each rule, and atomically swaps in the new Snapshot. A compile
// failure on any one rule fails the whole reload rather than serving a
// partially-valid rule set; the previous snapshot keeps serving.
func (c *Cache) Reload(ctx context.Context) error {
	var ruleRows []ruleRow
	if err := c.db.WithContext(ctx).Find(&ruleRows).Error; err != nil {
		c.lastLoadOK.Store(false)
		return fmt.Errorf("rules: load rules: %w", err)
	}
	var hostRows []devHostRow
	if err := c.db.WithContext(ctx).Find(&hostRows).Error; err != nil {
		c.lastLoadOK.Store(false)
		return fmt.Errorf("rules: load dev hosts: %w", err)
	}
	var teamRows []teamRow
	if err := c.db.WithContext(ctx).Find(&teamRows).Error; err != nil {
		c.lastLoadOK.Store(false)
		return fmt.Errorf("rules: load teams: %w", err)
	}

	built := make([]*Rule, 0, len(ruleRows))
	for _, row := range ruleRows {
		r := &Rule{
			ID:             row.ID,
			MatchString:    row.MatchString,
			MatchType:      MatchType(row.MatchType),
			SyslogSeverity: row.SyslogSeverity,
			TrapOID:        row.TrapOID,
			Priority:       row.Priority,
			ProdHandling:   Handling(row.ProdHandling),
			DevHandling:    Handling(row.DevHandling),
			TeamAssignment: row.TeamAssignment,
			IsActive:       row.IsActive,
		}
		if err := r.Compile(); err != nil {
			c.lastLoadOK.Store(false)
			return fmt.Errorf("rules: compile rule %s: %w", row.ID, err)
		}
		built = append(built, r)
	}

	devHosts := make(map[string]bool, len(hostRows))
	for _, h := range hostRows {
		devHosts[h.Hostname] = h.IsDevelopmentHost
	}
	teams := make(map[string]string, len(teamRows))
	for _, t := range teamRows {
		teams[t.Hostname] = t.Team
	}

	c.snapshot.Store(newSnapshot(built, devHosts, teams))
	c.lastLoadOK.Store(true)
	c.log.Info("rules: reloaded", "rule_count", len(built), "dev_host_count", len(devHosts))
	return nil
}

// StartAutoReload reloads on a fixed interval until ctx is canceled. Reload
// failures are logged and the previous snapshot keeps serving; a single bad
// rule row should never take the alerter down.
func (c *Cache) StartAutoReload(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil {
				c.log.Warn("rules: auto reload failed", "error", err)
			}
		}
	}
}
