package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/campaignlab/connector-sync/internal"
)

// Continuer schedules an asynchronous follow-up invocation of the sync
// trigger for a connection. Implementations must return without waiting for
// the continuation to execute. Callers must persist the checkpoint and status
// BEFORE scheduling, so a continuation that starts immediately still observes
// a consistent view.
type Continuer interface {
	Schedule(tenantID, platform, reason string)
}

// HTTPContinuer re-invokes this service's own trigger endpoint with a
// fire-and-forget POST. There is no durable queue behind this: a dropped
// request leaves the connection in "partial" until a user retriggers it,
// which the status API surfaces rather than masks.
type HTTPContinuer struct {
	// Base URL this process is reachable at, e.g. http://localhost:8020
	SelfURL string
	Client  *http.Client
}

func NewHTTPContinuer(selfURL string) *HTTPContinuer {
	return &HTTPContinuer{
		SelfURL: selfURL,
		Client: &http.Client{
			// the trigger endpoint runs a whole time-boxed batch before
			// responding, so the client must outwait the run budget
			Timeout: DefaultBudget + 15*time.Second,
		},
	}
}

func (c *HTTPContinuer) Schedule(tenantID, platform, reason string) {
	go func() {
		defer internal.ReportPanicsToSentry()
		body, _ := json.Marshal(map[string]interface{}{
			"tenant_id":    tenantID,
			"platform":     platform,
			"continuation": true,
		})
		req, err := http.NewRequest("POST", c.SelfURL+"/api/sync", bytes.NewReader(body))
		if err != nil {
			logger.Err(err).Msg("continuation: failed to build request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := c.Client.Do(req)
		if err != nil {
			// the sync stays partial; this is expected to be recovered by a
			// manual retrigger, not retried here
			logger.Warn().Err(err).Str("tenant", tenantID).Str("platform", platform).
				Str("reason", reason).Msg("continuation request failed, sync will remain partial")
			return
		}
		res.Body.Close()
		logger.Info().Str("tenant", tenantID).Str("platform", platform).
			Str("reason", reason).Int("status", res.StatusCode).Msg("continuation scheduled")
	}()
}
