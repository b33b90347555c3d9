package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/campaignlab/connector-sync/sqlutil"
)

func TestEventsTableInsertDeduplicates(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewEventsTable(db)
	tenantID := "tenant-events"
	at := time.Date(2026, 4, 10, 14, 30, 0, 0, time.UTC)

	events := []Event{
		{
			TenantID: tenantID, Platform: "smartlead", DedupeKey: EventDedupeKey("lead1", "step1", at),
			PlatformEntityID: "c1", LeadID: "lead1", EventType: "reply", OccurredAt: at,
		},
		{
			TenantID: tenantID, Platform: "smartlead", DedupeKey: EventDedupeKey("lead2", "step1", at),
			PlatformEntityID: "c1", LeadID: "lead2", EventType: "reply", OccurredAt: at,
		},
	}
	inserted, err := table.Insert(events)
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	if inserted != 2 {
		t.Fatalf("Insert: got %d want 2", inserted)
	}

	// replaying the same page is a no-op
	inserted, err = table.Insert(events)
	if err != nil {
		t.Fatalf("Insert (replay): %s", err)
	}
	if inserted != 0 {
		t.Fatalf("Insert replay: got %d want 0", inserted)
	}

	// a page overlapping the cursor inserts only the genuinely new events
	overlap := append(events, Event{
		TenantID: tenantID, Platform: "smartlead", DedupeKey: EventDedupeKey("lead3", "step1", at),
		PlatformEntityID: "c1", LeadID: "lead3", EventType: "open", OccurredAt: at,
	})
	inserted, err = table.Insert(overlap)
	if err != nil {
		t.Fatalf("Insert (overlap): %s", err)
	}
	if inserted != 1 {
		t.Fatalf("Insert overlap: got %d want 1", inserted)
	}
	count, err := table.Count(tenantID, "smartlead")
	if err != nil {
		t.Fatalf("Count: %s", err)
	}
	if count != 3 {
		t.Fatalf("Count: got %d want 3", count)
	}
}

func TestChunkify(t *testing.T) {
	// 100 dummy events
	events := make([]Event, 100)
	for i := 0; i < len(events); i++ {
		events[i] = Event{
			DedupeKey: fmt.Sprintf("ev%03d", i),
		}
	}
	testCases := []struct {
		name             string
		numParamsPerStmt int
		maxParamsPerCall int
		chunkSizes       []int // length = number of chunks wanted, ints = events in that chunk
	}{
		{
			name:             "below chunk limit returns 1 chunk",
			numParamsPerStmt: 8,
			maxParamsPerCall: 1000,
			chunkSizes:       []int{100},
		},
		{
			name:             "just above chunk limit returns 2 chunks",
			numParamsPerStmt: 8,
			maxParamsPerCall: 792,
			chunkSizes:       []int{99, 1},
		},
		{
			name:             "way above chunk limit returns many chunks",
			numParamsPerStmt: 8,
			maxParamsPerCall: 240,
			chunkSizes:       []int{30, 30, 30, 10},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			chunks := sqlutil.Chunkify(testCase.numParamsPerStmt, testCase.maxParamsPerCall, eventChunker(events))
			if len(chunks) != len(testCase.chunkSizes) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(testCase.chunkSizes))
			}
			n := 0
			for i := 0; i < len(chunks); i++ {
				if chunks[i].Len() != testCase.chunkSizes[i] {
					t.Errorf("chunk %d got %d elements, want %d", i, chunks[i].Len(), testCase.chunkSizes[i])
				}
				chunk := chunks[i].(eventChunker)
				for j, ev := range chunk {
					want := fmt.Sprintf("ev%03d", n)
					if ev.DedupeKey != want {
						t.Errorf("chunk %d position %d: got %s want %s", i, j, ev.DedupeKey, want)
					}
					n++
				}
			}
		})
	}
}

func TestEventDedupeKeyStable(t *testing.T) {
	at := time.Date(2026, 4, 10, 14, 30, 0, 0, time.UTC)
	key := EventDedupeKey("lead1", "step1", at)
	if key != EventDedupeKey("lead1", "step1", at.In(time.FixedZone("x", 3600))) {
		t.Fatalf("dedupe key must not depend on the timestamp's zone")
	}
	if key == EventDedupeKey("lead1", "step2", at) {
		t.Fatalf("dedupe key must distinguish mapping ids")
	}
}
