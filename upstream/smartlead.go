package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/campaignlab/connector-sync/state"
)

const (
	PlatformSmartlead   = "smartlead"
	smartleadBaseURL    = "https://server.smartlead.ai/api/v1"
	smartleadInterval   = 1100 * time.Millisecond
	smartleadPageLimit  = 100
	smartleadEventLimit = 100
)

// SmartleadAdapter syncs email campaigns, sequence variants and reply events
// from the Smartlead API. Auth is an api_key query parameter on every call.
type SmartleadAdapter struct {
	BaseURL string
	Client  Client
}

func NewSmartleadAdapter(baseURL string) *SmartleadAdapter {
	if baseURL == "" {
		baseURL = smartleadBaseURL
	}
	return &SmartleadAdapter{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  NewRateLimitedClient(smartleadInterval),
	}
}

func (a *SmartleadAdapter) Platform() string               { return PlatformSmartlead }
func (a *SmartleadAdapter) RequestInterval() time.Duration { return smartleadInterval }

func (a *SmartleadAdapter) get(ctx context.Context, credential, path string, q url.Values) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("api_key", credential)
	return a.Client.Do(ctx, Request{
		Method: "GET",
		URL:    a.BaseURL + path + "?" + q.Encode(),
	})
}

func (a *SmartleadAdapter) Validate(ctx context.Context, credential string) error {
	_, err := a.get(ctx, credential, "/campaigns", url.Values{"limit": {"1"}})
	return err
}

func (a *SmartleadAdapter) ListEntities(ctx context.Context, credential string, page int) (*EntityPage, error) {
	body, err := a.get(ctx, credential, "/campaigns", url.Values{
		"offset": {fmt.Sprint(page * smartleadPageLimit)},
		"limit":  {fmt.Sprint(smartleadPageLimit)},
	})
	if err != nil {
		return nil, err
	}
	items, err := listEnvelope(body, "data", "campaigns")
	if err != nil {
		return nil, err
	}
	entities := make([]state.Entity, 0, len(items))
	for _, item := range items {
		id := firstString(item, "id")
		if id == "" {
			continue
		}
		entities = append(entities, state.Entity{
			Platform:          PlatformSmartlead,
			PlatformEntityID:  id,
			Kind:              "campaign",
			Name:              firstString(item, "name"),
			Status:            smartleadStatus(item.Get("status").Str),
			CreatedUpstreamAt: parseUpstreamTime(item.Get("created_at")),
		})
	}
	return &EntityPage{
		Entities: entities,
		More:     len(items) == smartleadPageLimit,
	}, nil
}

// Smartlead reports campaign status in upper case; rank on the lowered form.
func smartleadStatus(s string) string {
	switch strings.ToLower(s) {
	case "active", "start", "started":
		return "active"
	case "paused":
		return "paused"
	case "completed", "stopped":
		return "completed"
	default:
		return strings.ToLower(s)
	}
}

func (a *SmartleadAdapter) FetchAnalytics(ctx context.Context, credential, entityID string) (json.RawMessage, error) {
	body, err := a.get(ctx, credential, "/campaigns/"+entityID+"/analytics", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (a *SmartleadAdapter) FetchSubEntities(ctx context.Context, credential, entityID string) (*NormalizedSubEntities, error) {
	body, err := a.get(ctx, credential, "/campaigns/"+entityID+"/sequences", nil)
	if err != nil {
		return nil, err
	}
	return NormalizeSubEntities(PlatformSmartlead, entityID, "sequence_step", body), nil
}

func (a *SmartleadAdapter) ListEvents(ctx context.Context, credential string, offset int) (*EventPage, error) {
	body, err := a.get(ctx, credential, "/master-inbox/replies", url.Values{
		"offset": {fmt.Sprint(offset)},
		"limit":  {fmt.Sprint(smartleadEventLimit)},
	})
	if err != nil {
		return nil, err
	}
	items, err := listEnvelope(body, "data", "replies")
	if err != nil {
		return nil, err
	}
	events := make([]state.Event, 0, len(items))
	for _, item := range items {
		leadID := firstString(item, "lead_id")
		statsID := firstString(item, "stats_id", "email_stats_id")
		occurredAt := parseUpstreamTime(item.Get("reply_time"))
		if occurredAt.IsZero() {
			occurredAt = parseUpstreamTime(item.Get("created_at"))
		}
		events = append(events, state.Event{
			Platform:         PlatformSmartlead,
			DedupeKey:        state.EventDedupeKey(leadID, statsID, occurredAt),
			PlatformEntityID: firstString(item, "campaign_id"),
			LeadID:           leadID,
			EventType:        "reply",
			OccurredAt:       occurredAt,
			Payload:          json.RawMessage(item.Raw),
		})
	}
	return &EventPage{
		Events:     events,
		NextOffset: offset + len(items),
		More:       len(items) == smartleadEventLimit,
	}, nil
}

func (a *SmartleadAdapter) FetchDailyStats(ctx context.Context, credential string, from, to time.Time) ([]state.DailyStat, error) {
	body, err := a.get(ctx, credential, "/analytics/campaign/day-wise", url.Values{
		"start_date": {from.Format("2006-01-02")},
		"end_date":   {to.Format("2006-01-02")},
	})
	if err != nil {
		return nil, err
	}
	items, err := listEnvelope(body, "data", "daily_stats")
	if err != nil {
		return nil, err
	}
	stats := make([]state.DailyStat, 0, len(items))
	for _, item := range items {
		day := parseUpstreamTime(item.Get("date"))
		if day.IsZero() {
			continue
		}
		stats = append(stats, state.DailyStat{
			Platform: PlatformSmartlead,
			Day:      day,
			Sent:     int(firstInt(item, "sent_count", "sent")),
			Opens:    int(firstInt(item, "open_count", "opens")),
			Clicks:   int(firstInt(item, "click_count", "clicks")),
			Replies:  int(firstInt(item, "reply_count", "replies")),
		})
	}
	return stats, nil
}

var _ Adapter = (*SmartleadAdapter)(nil)
