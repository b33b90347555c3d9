package upstream

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/sjson"

	"github.com/campaignlab/connector-sync/state"
)

// fakeClient serves canned bodies keyed by a URL substring and records every
// request it sees.
type fakeClient struct {
	responses map[string][]byte
	requests  []Request
}

func (f *fakeClient) Do(_ context.Context, req Request) ([]byte, error) {
	f.requests = append(f.requests, req)
	for key, body := range f.responses {
		if strings.Contains(req.URL, key) {
			return body, nil
		}
	}
	return nil, fmt.Errorf("fakeClient: no response for %s", req.URL)
}

// campaignPage builds a Smartlead-shaped listing of n campaigns.
func campaignPage(n int) []byte {
	body := []byte(`{"data":[]}`)
	for i := 0; i < n; i++ {
		item := fmt.Sprintf(
			`{"id":%d,"name":"Campaign %d","status":"STARTED","created_at":"2026-01-%02dT00:00:00Z"}`,
			i+1, i+1, i%27+1,
		)
		body, _ = sjson.SetRawBytes(body, fmt.Sprintf("data.%d", i), []byte(item))
	}
	return body
}

func TestSmartleadListEntities(t *testing.T) {
	fc := &fakeClient{responses: map[string][]byte{
		"offset=0":   campaignPage(smartleadPageLimit),
		"offset=100": campaignPage(2),
	}}
	a := NewSmartleadAdapter("https://fake")
	a.Client = fc

	page, err := a.ListEntities(context.Background(), "sk-123", 0)
	if err != nil {
		t.Fatalf("ListEntities: %s", err)
	}
	if !page.More {
		t.Fatalf("a full page should report More")
	}
	if len(page.Entities) != smartleadPageLimit {
		t.Fatalf("entities: got %d want %d", len(page.Entities), smartleadPageLimit)
	}
	e := page.Entities[0]
	if e.Platform != PlatformSmartlead || e.Kind != "campaign" || e.PlatformEntityID != "1" {
		t.Fatalf("entity mapping: %+v", e)
	}
	if e.Status != "active" {
		t.Fatalf("STARTED should map to active, got %s", e.Status)
	}
	if e.CreatedUpstreamAt.IsZero() {
		t.Fatalf("created_at not parsed")
	}
	// the api key rides in the query string
	if !strings.Contains(fc.requests[0].URL, "api_key=sk-123") {
		t.Fatalf("credential missing from request: %s", fc.requests[0].URL)
	}

	page, err = a.ListEntities(context.Background(), "sk-123", 1)
	if err != nil {
		t.Fatalf("ListEntities page 1: %s", err)
	}
	if page.More {
		t.Fatalf("a short page should not report More")
	}
	if len(page.Entities) != 2 {
		t.Fatalf("entities page 1: got %d want 2", len(page.Entities))
	}
}

func TestSmartleadListEvents(t *testing.T) {
	fc := &fakeClient{responses: map[string][]byte{
		"/master-inbox/replies": []byte(`{"data":[
			{"lead_id":55,"stats_id":"st9","campaign_id":7,"reply_time":"2026-04-01T10:00:00Z"}
		]}`),
	}}
	a := NewSmartleadAdapter("https://fake")
	a.Client = fc

	page, err := a.ListEvents(context.Background(), "sk-123", 40)
	if err != nil {
		t.Fatalf("ListEvents: %s", err)
	}
	if page.More {
		t.Fatalf("short event page should not report More")
	}
	if page.NextOffset != 41 {
		t.Fatalf("NextOffset: got %d want 41", page.NextOffset)
	}
	ev := page.Events[0]
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	if ev.DedupeKey != state.EventDedupeKey("55", "st9", at) {
		t.Fatalf("dedupe key: got %s", ev.DedupeKey)
	}
	if ev.EventType != "reply" || ev.PlatformEntityID != "7" || ev.LeadID != "55" {
		t.Fatalf("event mapping: %+v", ev)
	}
	if len(ev.Payload) == 0 {
		t.Fatalf("raw payload not kept")
	}
}

func TestSmartleadFetchSubEntities(t *testing.T) {
	fc := &fakeClient{responses: map[string][]byte{
		"/campaigns/7/sequences": []byte(`[{"id":"s1","seq_number":1,"subject":"Hi {{first_name}}","email_body":"From {{company}}"}]`),
	}}
	a := NewSmartleadAdapter("https://fake")
	a.Client = fc

	got, err := a.FetchSubEntities(context.Background(), "sk-123", "7")
	if err != nil {
		t.Fatalf("FetchSubEntities: %s", err)
	}
	if !got.Recognized || len(got.SubEntities) != 1 {
		t.Fatalf("normalization: %+v", got)
	}
	sub := got.SubEntities[0]
	if sub.Kind != "sequence_step" || sub.PlatformEntityID != "7" {
		t.Fatalf("sub-entity mapping: %+v", sub)
	}
	if len(sub.Placeholders) != 2 {
		t.Fatalf("placeholders: got %v", sub.Placeholders)
	}
}

func TestReplyIOStatusMapping(t *testing.T) {
	cases := map[string]string{
		"Active":   "active",
		"2":        "active",
		"Paused":   "paused",
		"0":        "paused",
		"Finished": "completed",
		"4":        "completed",
	}
	for in, want := range cases {
		if got := replyIOStatus(in); got != want {
			t.Errorf("replyIOStatus(%q): got %s want %s", in, got, want)
		}
	}
}

func TestReplyIOListEntitiesNumericStatus(t *testing.T) {
	fc := &fakeClient{responses: map[string][]byte{
		"/campaigns": []byte(`{"data":[{"id":9,"name":"Seq","status":2,"created":"2026-02-01T00:00:00Z"}]}`),
	}}
	a := NewReplyIOAdapter("https://fake")
	a.Client = fc

	page, err := a.ListEntities(context.Background(), "rk-1", 0)
	if err != nil {
		t.Fatalf("ListEntities: %s", err)
	}
	if page.Entities[0].Status != "active" {
		t.Fatalf("numeric status enum: got %s want active", page.Entities[0].Status)
	}
	// reply.io pages are requested 1-based
	if !strings.Contains(fc.requests[0].URL, "page=1") {
		t.Fatalf("page param: %s", fc.requests[0].URL)
	}
	if fc.requests[0].Header["X-Api-Key"] != "rk-1" {
		t.Fatalf("credential missing from header: %+v", fc.requests[0].Header)
	}
}

func TestPhoneBurnerListEntities(t *testing.T) {
	fc := &fakeClient{responses: map[string][]byte{
		"/dialsession": []byte(`{"dialsessions":[
			{"session_id":"ds1","status":"in_progress","date_start":"2026-03-01 09:00:00"},
			{"session_id":"ds2","name":"Friday blitz","status":"complete","date_start":"2026-03-02 09:00:00"}
		]}`),
	}}
	a := NewPhoneBurnerAdapter("https://fake")
	a.Client = fc

	page, err := a.ListEntities(context.Background(), "pb-token", 0)
	if err != nil {
		t.Fatalf("ListEntities: %s", err)
	}
	if len(page.Entities) != 2 {
		t.Fatalf("entities: got %d want 2", len(page.Entities))
	}
	if page.Entities[0].Kind != "call_session" {
		t.Fatalf("kind: got %s", page.Entities[0].Kind)
	}
	// sessions without a name get a synthesized one
	if page.Entities[0].Name != "Dial session ds1" {
		t.Fatalf("fallback name: got %s", page.Entities[0].Name)
	}
	if page.Entities[1].Name != "Friday blitz" {
		t.Fatalf("name: got %s", page.Entities[1].Name)
	}
	if page.Entities[0].Status != "active" || page.Entities[1].Status != "completed" {
		t.Fatalf("status mapping: %s / %s", page.Entities[0].Status, page.Entities[1].Status)
	}
	if fc.requests[0].Header["Authorization"] != "Bearer pb-token" {
		t.Fatalf("bearer auth missing: %+v", fc.requests[0].Header)
	}
}

func TestPhoneBurnerFetchDailyStats(t *testing.T) {
	fc := &fakeClient{responses: map[string][]byte{
		"/reports/daily": []byte(`{"data":[
			{"date":"2026-03-01","total_calls":120,"live_answers":14},
			{"date":"bogus","total_calls":1}
		]}`),
	}}
	a := NewPhoneBurnerAdapter("https://fake")
	a.Client = fc

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stats, err := a.FetchDailyStats(context.Background(), "pb-token", from, from.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("FetchDailyStats: %s", err)
	}
	// rows without a parseable date are dropped
	if len(stats) != 1 {
		t.Fatalf("stats: got %d want 1", len(stats))
	}
	if stats[0].Calls != 120 || stats[0].Replies != 14 {
		t.Fatalf("stat mapping: %+v", stats[0])
	}
}

func TestSortEntities(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entities := []state.Entity{
		{PlatformEntityID: "completed-new", Status: "completed", CreatedUpstreamAt: base.AddDate(0, 2, 0)},
		{PlatformEntityID: "active-old", Status: "active", CreatedUpstreamAt: base},
		{PlatformEntityID: "active-new", Status: "active", CreatedUpstreamAt: base.AddDate(0, 1, 0)},
		{PlatformEntityID: "b-tie", Status: "paused", CreatedUpstreamAt: base},
		{PlatformEntityID: "a-tie", Status: "paused", CreatedUpstreamAt: base},
		{PlatformEntityID: "weird", Status: "draft", CreatedUpstreamAt: base.AddDate(0, 3, 0)},
	}
	SortEntities(entities)
	want := []string{"active-new", "active-old", "a-tie", "b-tie", "completed-new", "weird"}
	for i, id := range want {
		if entities[i].PlatformEntityID != id {
			t.Fatalf("position %d: got %s want %s (full order: %v)", i, entities[i].PlatformEntityID, id, entities)
		}
	}
}
