// Package rules holds the alerter's match engine: a set of alert rules,
// each matching events by message substring, regex, or trap OID prefix,
// plus the dev-host and team lookup tables, reloaded periodically from the
// audit store and swapped in atomically so readers never observe a
// half-updated rule set.
package rules

import (
	"regexp"
	"sort"
	"strings"

	"github.com/muttpipeline/mutt/internal/events"
)

// MatchType tags how a Rule's MatchString should be interpreted.
type MatchType string

const (
	Contains  MatchType = "contains"
	Regex     MatchType = "regex"
	OIDPrefix MatchType = "oid_prefix"
)

// Handling is the action a matched rule assigns to an event, chosen by
// whether the event's hostname is a registered development host.
type Handling string

const (
	HandlingAlert    Handling = "alert"
	HandlingSuppress Handling = "suppress"
)

// Rule is one row of the alert_rules table.
type Rule struct {
	ID             string
	MatchString    string
	MatchType      MatchType
	SyslogSeverity *int
	TrapOID        string
	Priority       int // lower wins
	ProdHandling   Handling
	DevHandling    Handling
	TeamAssignment string
	IsActive       bool

	compiled *regexp.Regexp
}

// Compile precompiles the Rule's pattern where needed (Regex match type).
// It must be called once per Rule before Matches is used; Cache.Reload does
// this for every rule it loads.
func (r *Rule) Compile() error {
	if r.MatchType != Regex {
		return nil
	}
	re, err := regexp.Compile(r.MatchString)
	if err != nil {
		return err
	}
	r.compiled = re
	return nil
}

// Matches reports whether ev satisfies this rule's predicate: the
// match_type clause against message or trap_oid, additionally constrained
// by syslog_severity if the rule sets one.
func (r *Rule) Matches(ev *events.Event) bool {
	if !r.IsActive {
		return false
	}
	if r.SyslogSeverity != nil {
		if ev.SyslogSeverity == nil || *ev.SyslogSeverity != *r.SyslogSeverity {
			return false
		}
	}

	switch r.MatchType {
	case Contains:
		return containsSubstr(ev.Message, r.MatchString)
	case Regex:
		if r.compiled == nil {
			return false
		}
		return r.compiled.MatchString(ev.Message)
	case OIDPrefix:
		return hasPrefix(ev.TrapOID, r.MatchString)
	default:
		return false
	}
}

// HandlingFor picks prod_handling or dev_handling based on whether hostname is
// a registered development host.
func (r *Rule) HandlingFor(isDevHost bool) Handling {
	if isDevHost {
		return r.DevHandling
	}
	return r.ProdHandling
}

func containsSubstr(s, substr string) bool {
	return strings.Contains(s, substr)
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// Snapshot is an immutable, priority-sorted view of the active rule set plus
// the dev-host and team lookup tables.
type Snapshot struct {
	rules    []*Rule
	devHosts map[string]bool
	teams    map[string]string
}

// Match returns the highest-priority (lowest Priority value) rule that
// matches ev, breaking ties on lowest rule ID so the decision is
// deterministic across replays of the same event. ok=false means no rule
// matched, which the alerter treats as an unhandled event.
func (s *Snapshot) Match(ev *events.Event) (*Rule, bool) {
	for _, r := range s.rules {
		if r.Matches(ev) {
			return r, true
		}
	}
	return nil, false
}

// IsDevHost reports whether hostname is registered as a development host.
func (s *Snapshot) IsDevHost(hostname string) bool {
	return s.devHosts[hostname]
}

// TeamFor returns the team assigned to hostname via the device-team lookup
// table, or "" if none is registered.
func (s *Snapshot) TeamFor(hostname string) string {
	return s.teams[hostname]
}

func newSnapshot(rules []*Rule, devHosts map[string]bool, teams map[string]string) *Snapshot {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	if devHosts == nil {
		devHosts = map[string]bool{}
	}
	if teams == nil {
		teams = map[string]string{}
	}
	return &Snapshot{rules: sorted, devHosts: devHosts, teams: teams}
}
