package connectorsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/campaignlab/connector-sync/engine"
	"github.com/campaignlab/connector-sync/internal"
	"github.com/campaignlab/connector-sync/state"
	"github.com/campaignlab/connector-sync/upstream"
)

// stubAdapter serves a fixed tiny workload so API tests can run a full sync
// against a real database without any live platform.
type stubAdapter struct {
	platform    string
	validateErr error
}

func (a *stubAdapter) Platform() string                                  { return a.platform }
func (a *stubAdapter) RequestInterval() time.Duration                    { return time.Millisecond }
func (a *stubAdapter) Validate(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.validateErr
}

func (a *stubAdapter) FetchAnalytics(ctx context.Context, credential, entityID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"sent":1}`), nil
}

func (a *stubAdapter) ListEntities(ctx context.Context, credential string, page int) (*upstream.EntityPage, error) {
	return &upstream.EntityPage{
		Entities: []state.Entity{{
			Platform:          a.platform,
			PlatformEntityID:  "c1",
			Kind:              "campaign",
			Name:              "Only campaign",
			Status:            "active",
			CreatedUpstreamAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
	}, nil
}

func (a *stubAdapter) FetchSubEntities(ctx context.Context, credential, entityID string) (*upstream.NormalizedSubEntities, error) {
	return upstream.NormalizeSubEntities(a.platform, entityID, "variant",
		[]byte(`[{"id":"v1","subject":"Hi {{first_name}}","email_body":"Hello"}]`)), nil
}

func (a *stubAdapter) ListEvents(ctx context.Context, credential string, offset int) (*upstream.EventPage, error) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return &upstream.EventPage{
		Events: []state.Event{{
			Platform:         a.platform,
			DedupeKey:        state.EventDedupeKey("l1", "s1", at),
			PlatformEntityID: "c1",
			LeadID:           "l1",
			EventType:        "reply",
			OccurredAt:       at,
		}},
		NextOffset: offset + 1,
	}, nil
}

func (a *stubAdapter) FetchDailyStats(ctx context.Context, credential string, from, to time.Time) ([]state.DailyStat, error) {
	return []state.DailyStat{{Platform: a.platform, Day: from, Sent: 2}}, nil
}

type recordingContinuer struct {
	mu        sync.Mutex
	schedules []string
}

func (c *recordingContinuer) Schedule(tenantID, platform, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedules = append(c.schedules, tenantID+"/"+platform)
}

type apiFixture struct {
	api       *SyncAPI
	store     *state.Storage
	continuer *recordingContinuer
	srv       *httptest.Server
}

func newAPIFixture(t *testing.T, secret string) *apiFixture {
	t.Helper()
	store := state.NewStorage(postgresConnectionString, secret)
	adapters := map[string]upstream.Adapter{
		"smartlead": &stubAdapter{platform: "smartlead"},
		"replyio":   &stubAdapter{platform: "replyio"},
	}
	continuer := &recordingContinuer{}
	runner := engine.NewRunner(store, adapters, continuer, nil)
	api := NewSyncAPI(store, runner, adapters, continuer)
	srv := httptest.NewServer(Router(api))
	t.Cleanup(func() {
		srv.Close()
		api.Shutdown(context.Background())
		store.Teardown()
	})
	return &apiFixture{api: api, store: store, continuer: continuer, srv: srv}
}

func (f *apiFixture) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	return f.do(t, "POST", path, body)
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, path, err)
	}
	defer res.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(res.Body)
	return res, buf.Bytes()
}

func TestAPISyncLifecycle(t *testing.T) {
	f := newAPIFixture(t, "api_test_secret")
	tenant := "api-lifecycle"

	// connect
	res, body := f.post(t, "/api/connections", fmt.Sprintf(
		`{"tenant_id":"%s","platform":"smartlead","credential":"sk-1"}`, tenant))
	if res.StatusCode != 200 {
		t.Fatalf("connect: HTTP %d: %s", res.StatusCode, body)
	}

	// trigger a sync; the stub workload fits in one batch
	res, body = f.post(t, "/api/sync", fmt.Sprintf(
		`{"tenant_id":"%s","platform":"smartlead"}`, tenant))
	if res.StatusCode != 200 {
		t.Fatalf("sync: HTTP %d: %s", res.StatusCode, body)
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.Get("success").Bool() || !parsed.Get("complete").Bool() {
		t.Fatalf("sync response: %s", body)
	}

	// status reflects the finished sync
	res, body = f.do(t, "GET", "/api/status?tenant_id="+tenant, "")
	if res.StatusCode != 200 {
		t.Fatalf("status: HTTP %d: %s", res.StatusCode, body)
	}
	conn := gjson.GetBytes(body, `connections.#(platform=="smartlead")`)
	if conn.Get("status").Str != state.StatusSuccess {
		t.Fatalf("status body: %s", body)
	}
	if conn.Get("progress.percent").Int() != 100 {
		t.Fatalf("progress percent: %s", body)
	}
	if conn.Get("last_full_sync_at").Str == "" {
		t.Fatalf("last_full_sync_at missing: %s", body)
	}

	// the synced rows actually landed
	count, err := f.store.EntitiesTable.Count(tenant, "smartlead")
	if err != nil || count != 1 {
		t.Fatalf("entity count: %d (%v)", count, err)
	}

	// disconnect
	res, body = f.do(t, "DELETE", "/api/connections", fmt.Sprintf(
		`{"tenant_id":"%s","platform":"smartlead"}`, tenant))
	if res.StatusCode != 200 {
		t.Fatalf("disconnect: HTTP %d: %s", res.StatusCode, body)
	}
	res, body = f.post(t, "/api/sync", fmt.Sprintf(
		`{"tenant_id":"%s","platform":"smartlead"}`, tenant))
	if res.StatusCode != 404 {
		t.Fatalf("sync after disconnect: HTTP %d: %s", res.StatusCode, body)
	}
}

func TestAPISyncContinuationDetachedFromCaller(t *testing.T) {
	f := newAPIFixture(t, "api_test_secret")
	tenant := "api-detached"
	if _, err := f.store.ConnectionsTable.Upsert(tenant, "smartlead", "sk-1"); err != nil {
		t.Fatalf("Upsert: %s", err)
	}

	// the continuation POST arrives with an already-dead context, the way a
	// timed-out self-call does; the batch must still run to completion
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := fmt.Sprintf(`{"tenant_id":"%s","platform":"smartlead","continuation":true}`, tenant)
	req := httptest.NewRequest("POST", "/api/sync", strings.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.api.ServeSync(rec, req)

	if rec.Code != 200 {
		t.Fatalf("sync: HTTP %d: %s", rec.Code, rec.Body.String())
	}
	parsed := gjson.ParseBytes(rec.Body.Bytes())
	if !parsed.Get("success").Bool() || !parsed.Get("complete").Bool() {
		t.Fatalf("sync response: %s", rec.Body.String())
	}
	conn, err := f.store.Connection(tenant, "smartlead")
	if err != nil {
		t.Fatalf("Connection: %s", err)
	}
	if conn.SyncStatus != state.StatusSuccess {
		t.Fatalf("status: got %s want success", conn.SyncStatus)
	}
}

func TestAPIRejectsBadRequests(t *testing.T) {
	f := newAPIFixture(t, "api_test_secret")

	res, _ := f.post(t, "/api/sync", `{"tenant_id":"x","platform":"carrierpigeon"}`)
	if res.StatusCode != 400 {
		t.Fatalf("unknown platform: HTTP %d", res.StatusCode)
	}
	res, _ = f.post(t, "/api/sync", `{"platform":"smartlead"}`)
	if res.StatusCode != 400 {
		t.Fatalf("missing tenant: HTTP %d", res.StatusCode)
	}
	res, _ = f.post(t, "/api/sync", `{broken`)
	if res.StatusCode != 400 {
		t.Fatalf("bad json: HTTP %d", res.StatusCode)
	}
	res, _ = f.post(t, "/api/sync", `{"tenant_id":"nobody","platform":"smartlead"}`)
	if res.StatusCode != 404 {
		t.Fatalf("unknown connection: HTTP %d", res.StatusCode)
	}
	res, _ = f.do(t, "GET", "/api/status", "")
	if res.StatusCode != 400 {
		t.Fatalf("status without tenant: HTTP %d", res.StatusCode)
	}
}

func TestAPIConnectionValidation(t *testing.T) {
	f := newAPIFixture(t, "api_test_secret")
	bad := &stubAdapter{
		platform:    "smartlead",
		validateErr: &internal.UpstreamError{StatusCode: 401, Body: "bad key"},
	}
	f.api.Adapters = map[string]upstream.Adapter{"smartlead": bad}

	res, body := f.post(t, "/api/connections",
		`{"tenant_id":"api-validation","platform":"smartlead","credential":"wrong"}`)
	if res.StatusCode != 401 {
		t.Fatalf("bad credential: HTTP %d: %s", res.StatusCode, body)
	}
	// the rejected credential must not be stored
	if _, err := f.store.Connection("api-validation", "smartlead"); err == nil {
		t.Fatalf("rejected credential was stored")
	}
}

func TestAPIStop(t *testing.T) {
	f := newAPIFixture(t, "api_test_secret")
	tenant := "api-stop"
	if _, err := f.store.ConnectionsTable.Upsert(tenant, "smartlead", "sk-1"); err != nil {
		t.Fatalf("Upsert: %s", err)
	}

	res, body := f.post(t, "/api/stop", fmt.Sprintf(
		`{"tenant_id":"%s","platform":"smartlead"}`, tenant))
	if res.StatusCode != 200 {
		t.Fatalf("stop: HTTP %d: %s", res.StatusCode, body)
	}
	status, err := f.store.Connection(tenant, "smartlead")
	if err != nil {
		t.Fatalf("Connection: %s", err)
	}
	if status.SyncStatus != state.StatusStopped {
		t.Fatalf("status after stop: got %s", status.SyncStatus)
	}
}

func TestChainNextPlatform(t *testing.T) {
	f := newAPIFixture(t, "api_test_secret")
	tenant := "api-chain"
	// connected to smartlead and phoneburner; replyio is skipped over
	if _, err := f.store.ConnectionsTable.Upsert(tenant, "smartlead", "sk-1"); err != nil {
		t.Fatalf("Upsert: %s", err)
	}
	if _, err := f.store.ConnectionsTable.Upsert(tenant, "phoneburner", "pb-1"); err != nil {
		t.Fatalf("Upsert: %s", err)
	}

	f.api.chainNextPlatform(tenant, "smartlead")
	if len(f.continuer.schedules) != 1 || f.continuer.schedules[0] != tenant+"/phoneburner" {
		t.Fatalf("chained schedules: %v", f.continuer.schedules)
	}

	// the last platform in the chain triggers nothing
	f.api.chainNextPlatform(tenant, "phoneburner")
	if len(f.continuer.schedules) != 1 {
		t.Fatalf("chaining past the end: %v", f.continuer.schedules)
	}
}
