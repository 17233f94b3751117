package audit

import (
	"fmt"
	"sort"

	"github.com/vendorhub/licensing/internal/rbac"
)

const (
	// SuspiciousDenyThreshold is the number of denials after which a
	// principal is flagged.
	SuspiciousDenyThreshold = 5
	recentDenialsLimit      = 10
)

// Stats aggregates the current buffer. It is computed on every call.
func (l *Log) Stats() Stats {
	entries := l.snapshot()
	stats := Stats{
		Total:         len(entries),
		ByRole:        make(map[rbac.Role]RoleCounts, len(rbac.Roles())),
		RecentDenials: make([]Entry, 0, recentDenialsLimit),
	}
	for _, e := range entries {
		allowed := e.Decision == DecisionAllowed
		if allowed {
			stats.Allowed++
		} else {
			stats.Denied++
		}
		if e.Role == nil {
			stats.Unauthenticated++
			continue
		}
		counts := stats.ByRole[*e.Role]
		if allowed {
			counts.Allowed++
		} else {
			counts.Denied++
		}
		stats.ByRole[*e.Role] = counts
	}
	for i := len(entries) - 1; i >= 0 && len(stats.RecentDenials) < recentDenialsLimit; i-- {
		if entries[i].Decision == DecisionDenied {
			stats.RecentDenials = append(stats.RecentDenials, entries[i])
		}
	}
	return stats
}

type denialProfile struct {
	count     int
	actions   map[string]int
	resources map[string]struct{}
}

// DetectSuspiciousActivity flags principals with at least
// SuspiciousDenyThreshold denials in the buffer. Entries without a principal
// are reported as a separate pattern but never flagged.
func (l *Log) DetectSuspiciousActivity() SuspiciousReport {
	profiles := make(map[int64]*denialProfile)
	anonymous := 0
	for _, e := range l.snapshot() {
		if e.Decision != DecisionDenied {
			continue
		}
		if e.PrincipalID == nil {
			anonymous++
			continue
		}
		p, ok := profiles[*e.PrincipalID]
		if !ok {
			p = &denialProfile{actions: make(map[string]int), resources: make(map[string]struct{})}
			profiles[*e.PrincipalID] = p
		}
		p.count++
		p.actions[e.Action]++
		p.resources[e.Resource] = struct{}{}
	}

	report := SuspiciousReport{SuspiciousPrincipalIDs: []int64{}, Patterns: []string{}}
	for id, p := range profiles {
		if p.count >= SuspiciousDenyThreshold {
			report.SuspiciousPrincipalIDs = append(report.SuspiciousPrincipalIDs, id)
		}
	}
	sort.Slice(report.SuspiciousPrincipalIDs, func(i, j int) bool {
		return report.SuspiciousPrincipalIDs[i] < report.SuspiciousPrincipalIDs[j]
	})
	for _, id := range report.SuspiciousPrincipalIDs {
		p := profiles[id]
		action, hits := topAction(p.actions)
		report.Patterns = append(report.Patterns, fmt.Sprintf(
			"principal %d was denied %d times across %d resources (most denied action %s: %d)",
			id, p.count, len(p.resources), action, hits))
	}
	if anonymous >= SuspiciousDenyThreshold {
		report.Patterns = append(report.Patterns, fmt.Sprintf("%d unauthenticated requests were denied", anonymous))
	}
	return report
}

func topAction(actions map[string]int) (string, int) {
	var best string
	hits := 0
	for action, n := range actions {
		if n > hits || (n == hits && action < best) {
			best, hits = action, n
		}
	}
	return best, hits
}
