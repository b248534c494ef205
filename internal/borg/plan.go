package borg

import (
	"fmt"
	"sort"
	"time"

	"github.com/edvin/backupd/internal/model"
)

// KeepReason records which retention rule kept an archive.
type KeepReason struct {
	Rule  string
	Index int
}

// PrunePlan is the local preview of what prune would do.
type PrunePlan struct {
	Keep   []ListedArchive
	Prune  []ListedArchive
	Reason map[string]KeepReason
}

type pruneRule struct {
	name   string
	count  int
	period func(time.Time) string
}

// PlanPrune applies borg's retention algorithm: for each rule in order, walk
// archives newest first and keep the first archive of each new period until
// the rule's count is reached. Archives kept by an earlier rule do not count
// toward later ones.
func PlanPrune(archives []ListedArchive, r model.Retention) PrunePlan {
	sorted := make([]ListedArchive, len(archives))
	copy(sorted, archives)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.After(sorted[j].Start.Time)
	})

	rules := []pruneRule{
		{"daily", r.Daily, func(t time.Time) string { return t.Format("2006-01-02") }},
		{"weekly", r.Weekly, func(t time.Time) string {
			y, w := t.ISOWeek()
			return fmt.Sprintf("%d-%02d", y, w)
		}},
		{"monthly", r.Monthly, func(t time.Time) string { return t.Format("2006-01") }},
		{"yearly", r.Yearly, func(t time.Time) string { return t.Format("2006") }},
	}

	reason := make(map[string]KeepReason)
	for _, rule := range rules {
		if rule.count <= 0 {
			continue
		}
		kept := 0
		last := ""
		for _, a := range sorted {
			p := rule.period(a.Start.Time)
			if p == last {
				continue
			}
			last = p
			if _, ok := reason[a.ID]; ok {
				continue
			}
			kept++
			reason[a.ID] = KeepReason{Rule: rule.name, Index: kept}
			if kept == rule.count {
				break
			}
		}
	}

	plan := PrunePlan{Reason: reason}
	for _, a := range sorted {
		if _, ok := reason[a.ID]; ok {
			plan.Keep = append(plan.Keep, a)
		} else {
			plan.Prune = append(plan.Prune, a)
		}
	}
	return plan
}
