package connectorsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/campaignlab/connector-sync/engine"
	"github.com/campaignlab/connector-sync/internal"
	"github.com/campaignlab/connector-sync/pubsub"
	"github.com/campaignlab/connector-sync/state"
	"github.com/campaignlab/connector-sync/upstream"
)

// ChainOrder is the order in which a tenant's platforms are synced when
// chaining: finishing one platform triggers the next one the tenant has an
// active connection for.
var ChainOrder = []string{
	upstream.PlatformSmartlead,
	upstream.PlatformReplyIO,
	upstream.PlatformPhoneBurner,
}

// statusCacheTTL bounds how stale the status endpoint may be. UIs poll this
// endpoint aggressively; serving a briefly stale view keeps that load off
// Postgres.
const statusCacheTTL = 2 * time.Second

// SyncAPI is the HTTP surface of the sync service.
type SyncAPI struct {
	Store     *state.Storage
	Runner    *engine.Runner
	Adapters  map[string]upstream.Adapter
	Continuer engine.Continuer

	statusCache *ttlcache.Cache[string, []ConnectionStatus]
}

func NewSyncAPI(store *state.Storage, runner *engine.Runner, adapters map[string]upstream.Adapter, continuer engine.Continuer) *SyncAPI {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []ConnectionStatus](statusCacheTTL),
	)
	go cache.Start()
	return &SyncAPI{
		Store:       store,
		Runner:      runner,
		Adapters:    adapters,
		Continuer:   continuer,
		statusCache: cache,
	}
}

type syncRequest struct {
	TenantID     string `json:"tenant_id"`
	Platform     string `json:"platform"`
	Reset        bool   `json:"reset"`
	Continuation bool   `json:"continuation"`
}

type syncResponse struct {
	Success  bool             `json:"success"`
	Complete bool             `json:"complete"`
	Progress *engine.Progress `json:"progress,omitempty"`
	Message  string           `json:"message,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// ServeSync handles POST /api/sync: trigger, continuation and reset-and-resync
// in one endpoint. It runs one time-boxed batch synchronously and reports how
// far it got.
func (a *SyncAPI) ServeSync(w http.ResponseWriter, req *http.Request) {
	var body syncRequest
	if err := decodeRequest(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.TenantID == "" || body.Platform == "" {
		writeError(w, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("tenant_id and platform are required"),
		})
		return
	}
	ctx := req.Context()
	if body.Continuation {
		// the POSTing side is a fire-and-forget self-call whose client may
		// give up long before the batch finishes; the run must not be
		// cancelled with that socket
		ctx = context.Background()
	}
	result, err := a.Runner.Run(ctx, body.TenantID, body.Platform, engine.Options{
		Reset:        body.Reset,
		Continuation: body.Continuation,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	a.statusCache.Delete(body.TenantID)
	writeJSON(w, 200, syncResponse{
		Success:  result.Error == "",
		Complete: result.Complete,
		Progress: result.Progress,
		Message:  result.Message,
		Error:    result.Error,
	})
}

// ConnectionStatus is one connection's entry in the status response.
type ConnectionStatus struct {
	Platform       string           `json:"platform"`
	Status         string           `json:"status"`
	LastSyncAt     *time.Time       `json:"last_sync_at,omitempty"`
	LastFullSyncAt *time.Time       `json:"last_full_sync_at,omitempty"`
	Progress       *engine.Progress `json:"progress,omitempty"`
}

// ServeStatus handles GET /api/status?tenant_id=X[&platform=Y]. Responses are
// cached for a couple of seconds per tenant.
func (a *SyncAPI) ServeStatus(w http.ResponseWriter, req *http.Request) {
	tenantID := req.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("tenant_id is required"),
		})
		return
	}
	statuses, err := a.tenantStatuses(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if platform := req.URL.Query().Get("platform"); platform != "" {
		for _, s := range statuses {
			if s.Platform == platform {
				writeJSON(w, 200, s)
				return
			}
		}
		writeError(w, &internal.HandlerError{
			StatusCode: 404,
			Err:        fmt.Errorf("no active %s connection for tenant %s", platform, tenantID),
		})
		return
	}
	writeJSON(w, 200, struct {
		Connections []ConnectionStatus `json:"connections"`
	}{statuses})
}

func (a *SyncAPI) tenantStatuses(tenantID string) ([]ConnectionStatus, error) {
	if item := a.statusCache.Get(tenantID); item != nil {
		return item.Value(), nil
	}
	conns, err := a.Store.ConnectionsTable.Connections(tenantID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	statuses := make([]ConnectionStatus, 0, len(conns))
	for i := range conns {
		conn := &conns[i]
		progress, err := engine.ProgressForConnection(conn, now)
		if err != nil {
			logger.Warn().Err(err).Int64("conn", conn.ID).Msg("failed to parse stored progress")
			progress = nil
		}
		statuses = append(statuses, ConnectionStatus{
			Platform:       conn.Platform,
			Status:         conn.SyncStatus,
			LastSyncAt:     conn.LastSyncAt,
			LastFullSyncAt: conn.LastFullSyncAt,
			Progress:       progress,
		})
	}
	a.statusCache.Set(tenantID, statuses, ttlcache.DefaultTTL)
	return statuses, nil
}

type stopRequest struct {
	TenantID string `json:"tenant_id"`
	Platform string `json:"platform"`
}

// ServeStop handles POST /api/stop. The running batch observes the status
// flip at its next loop boundary; nothing already persisted is rolled back.
func (a *SyncAPI) ServeStop(w http.ResponseWriter, req *http.Request) {
	var body stopRequest
	if err := decodeRequest(req, &body); err != nil {
		writeError(w, err)
		return
	}
	conn, err := a.connection(body.TenantID, body.Platform)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.SetStatus(conn.ID, state.StatusStopped); err != nil {
		writeError(w, err)
		return
	}
	a.statusCache.Delete(body.TenantID)
	logger.Info().Str("tenant", body.TenantID).Str("platform", body.Platform).Msg("stop requested")
	writeJSON(w, 200, struct {
		Success bool `json:"success"`
	}{true})
}

type connectionRequest struct {
	TenantID   string `json:"tenant_id"`
	Platform   string `json:"platform"`
	Credential string `json:"credential"`
}

// ServeUpsertConnection handles POST /api/connections: store (encrypted) a
// tenant's API credential for a platform. The credential is validated against
// the live platform API before anything is written.
func (a *SyncAPI) ServeUpsertConnection(w http.ResponseWriter, req *http.Request) {
	var body connectionRequest
	if err := decodeRequest(req, &body); err != nil {
		writeError(w, err)
		return
	}
	adapter := a.Adapters[body.Platform]
	if adapter == nil {
		writeError(w, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("unknown platform %q", body.Platform),
		})
		return
	}
	if body.TenantID == "" || body.Credential == "" {
		writeError(w, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("tenant_id and credential are required"),
		})
		return
	}
	if err := adapter.Validate(req.Context(), body.Credential); err != nil {
		if internal.IsAuthError(err) {
			writeError(w, &internal.HandlerError{
				StatusCode: 401,
				Err:        fmt.Errorf("credential rejected by %s: %w", body.Platform, err),
			})
			return
		}
		writeError(w, &internal.HandlerError{
			StatusCode: 502,
			Err:        fmt.Errorf("could not validate credential against %s: %w", body.Platform, err),
		})
		return
	}
	conn, err := a.Store.ConnectionsTable.Upsert(body.TenantID, body.Platform, body.Credential)
	if err != nil {
		writeError(w, err)
		return
	}
	a.statusCache.Delete(body.TenantID)
	writeJSON(w, 200, struct {
		Success  bool   `json:"success"`
		Platform string `json:"platform"`
		Status   string `json:"status"`
	}{true, conn.Platform, conn.SyncStatus})
}

// ServeDeactivateConnection handles DELETE /api/connections. Synced data is
// kept; only the connection row goes inactive.
func (a *SyncAPI) ServeDeactivateConnection(w http.ResponseWriter, req *http.Request) {
	var body stopRequest
	if err := decodeRequest(req, &body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.connection(body.TenantID, body.Platform); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.ConnectionsTable.Deactivate(body.TenantID, body.Platform); err != nil {
		writeError(w, err)
		return
	}
	a.statusCache.Delete(body.TenantID)
	writeJSON(w, 200, struct {
		Success bool `json:"success"`
	}{true})
}

// ListenLifecycle consumes sync lifecycle payloads and chains the tenant's
// next connected platform after a successful full sync. Blocks until the
// listener is closed; run it on its own goroutine.
func (a *SyncAPI) ListenLifecycle(listener pubsub.Listener) error {
	return listener.Listen(pubsub.ChanLifecycle, func(p pubsub.Payload) {
		defer internal.ReportPanicsToSentry()
		switch payload := p.(type) {
		case *pubsub.SyncComplete:
			a.chainNextPlatform(payload.TenantID, payload.Platform)
		case *pubsub.SyncFailed:
			logger.Warn().Str("tenant", payload.TenantID).Str("platform", payload.Platform).
				Str("reason", payload.Message).Msg("sync failed")
		}
	})
}

// chainNextPlatform schedules the first platform after `platform` in
// ChainOrder that the tenant has an active connection for.
func (a *SyncAPI) chainNextPlatform(tenantID, platform string) {
	pos := -1
	for i, p := range ChainOrder {
		if p == platform {
			pos = i
			break
		}
	}
	if pos < 0 || a.Continuer == nil {
		return
	}
	for _, next := range ChainOrder[pos+1:] {
		_, err := a.Store.Connection(tenantID, next)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Str("tenant", tenantID).Msg("failed to look up next platform to chain")
			return
		}
		logger.Info().Str("tenant", tenantID).Str("platform", next).Msg("chaining next platform sync")
		a.Continuer.Schedule(tenantID, next, "chained after "+platform)
		return
	}
}

// Shutdown stops background cache maintenance.
func (a *SyncAPI) Shutdown(_ context.Context) {
	a.statusCache.Stop()
}

func decodeRequest(req *http.Request, into interface{}) error {
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(into); err != nil {
		return &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("invalid request body: %w", err),
		}
	}
	return nil
}

func (a *SyncAPI) connection(tenantID, platform string) (*state.SyncConnection, error) {
	if tenantID == "" || platform == "" {
		return nil, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("tenant_id and platform are required"),
		}
	}
	conn, err := a.Store.Connection(tenantID, platform)
	if err == sql.ErrNoRows {
		return nil, &internal.HandlerError{
			StatusCode: 404,
			Err:        fmt.Errorf("no active %s connection for tenant %s", platform, tenantID),
		}
	}
	return conn, err
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	herr, ok := err.(*internal.HandlerError)
	if !ok {
		herr = &internal.HandlerError{
			StatusCode: 500,
			Err:        err,
		}
	}
	if herr.StatusCode >= 500 {
		logger.Err(herr.Err).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}
