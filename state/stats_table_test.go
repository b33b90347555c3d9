package state

import (
	"testing"
	"time"
)

func TestStatsTableUpsert(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewStatsTable(db)
	tenantID := "tenant-stats"
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	stats := []DailyStat{
		{TenantID: tenantID, Platform: "smartlead", Day: day, Sent: 100, Opens: 40, Clicks: 5, Replies: 3},
		{TenantID: tenantID, Platform: "smartlead", Day: day.AddDate(0, 0, 1), Sent: 80, Opens: 30},
	}
	if err := table.Upsert(stats); err != nil {
		t.Fatalf("Upsert: %s", err)
	}

	// overlapping backfill chunks re-deliver the same day with fresh numbers
	stats[0].Replies = 4
	if err := table.Upsert(stats[:1]); err != nil {
		t.Fatalf("Upsert (again): %s", err)
	}
	count, err := table.Count(tenantID, "smartlead")
	if err != nil {
		t.Fatalf("Count: %s", err)
	}
	if count != 2 {
		t.Fatalf("Count: got %d want 2", count)
	}
	var replies int
	if err := db.Get(&replies,
		`SELECT replies FROM consync_daily_stats WHERE tenant_id = $1 AND day = $2`, tenantID, day,
	); err != nil {
		t.Fatalf("select replies: %s", err)
	}
	if replies != 4 {
		t.Fatalf("re-upsert did not overwrite: got %d want 4", replies)
	}
}
