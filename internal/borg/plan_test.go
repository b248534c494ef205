package borg

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/backupd/internal/model"
)

func dailyArchives(n int, last time.Time) []ListedArchive {
	out := make([]ListedArchive, 0, n)
	for i := 0; i < n; i++ {
		ts := last.AddDate(0, 0, -i)
		out = append(out, ListedArchive{ID: fmt.Sprintf("id-%d", i), Name: fmt.Sprintf("backup-%d", i), Start: Time{ts}})
	}
	return out
}

func ids(list []ListedArchive) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}

func TestPlanPrune_KeepDailyThreeOfFive(t *testing.T) {
	archives := dailyArchives(5, time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC))

	plan := PlanPrune(archives, model.Retention{Daily: 3})
	assert.Equal(t, []string{"id-0", "id-1", "id-2"}, ids(plan.Keep))
	assert.Equal(t, []string{"id-3", "id-4"}, ids(plan.Prune))
	assert.Equal(t, KeepReason{Rule: "daily", Index: 1}, plan.Reason["id-0"])
}

func TestPlanPrune_SameDayKeepsNewest(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	archives := []ListedArchive{
		{ID: "morning", Start: Time{day.Add(6 * time.Hour)}},
		{ID: "evening", Start: Time{day.Add(20 * time.Hour)}},
	}
	plan := PlanPrune(archives, model.Retention{Daily: 1})
	assert.Equal(t, []string{"evening"}, ids(plan.Keep))
	assert.Equal(t, []string{"morning"}, ids(plan.Prune))
}

func TestPlanPrune_WeeklyAndMonthly(t *testing.T) {
	archives := dailyArchives(60, time.Date(2024, 3, 31, 2, 0, 0, 0, time.UTC))
	plan := PlanPrune(archives, model.Retention{Daily: 7, Weekly: 4, Monthly: 3})

	// 7 dailies, 4 earlier weeks, then February (March is already kept).
	assert.Equal(t, 7+4+1, len(plan.Keep))
	assert.Equal(t, "monthly", plan.Reason["id-31"].Rule)
	assert.Equal(t, len(archives), len(plan.Keep)+len(plan.Prune))
	for _, a := range plan.Keep {
		_, ok := plan.Reason[a.ID]
		require.True(t, ok)
	}
}

func TestPlanPrune_ZeroRetentionPrunesAll(t *testing.T) {
	archives := dailyArchives(3, time.Now())
	plan := PlanPrune(archives, model.Retention{})
	assert.Empty(t, plan.Keep)
	assert.Len(t, plan.Prune, 3)
}

func TestPlanPrune_NeverKeepsMoreThanPolicy(t *testing.T) {
	for n := 0; n < 12; n++ {
		archives := dailyArchives(n, time.Date(2024, 6, 15, 3, 0, 0, 0, time.UTC))
		plan := PlanPrune(archives, model.Retention{Daily: 3})
		assert.LessOrEqual(t, len(plan.Keep), 3)
		assert.Equal(t, min(n, 3), len(plan.Keep))
	}
}
