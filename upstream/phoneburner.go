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
	PlatformPhoneBurner   = "phoneburner"
	phoneBurnerBaseURL    = "https://www.phoneburner.com/rest/1"
	phoneBurnerInterval   = time.Second
	phoneBurnerPageLimit  = 100
	phoneBurnerEventLimit = 100
)

// PhoneBurnerAdapter syncs dial sessions and call logs from the PhoneBurner
// API. Auth is a bearer token. PhoneBurner has no message variants; its
// sub-entities are the voice scripts attached to a dial session, which many
// accounts leave empty.
type PhoneBurnerAdapter struct {
	BaseURL string
	Client  Client
}

func NewPhoneBurnerAdapter(baseURL string) *PhoneBurnerAdapter {
	if baseURL == "" {
		baseURL = phoneBurnerBaseURL
	}
	return &PhoneBurnerAdapter{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  NewRateLimitedClient(phoneBurnerInterval),
	}
}

func (a *PhoneBurnerAdapter) Platform() string               { return PlatformPhoneBurner }
func (a *PhoneBurnerAdapter) RequestInterval() time.Duration { return phoneBurnerInterval }

func (a *PhoneBurnerAdapter) get(ctx context.Context, credential, path string, q url.Values) ([]byte, error) {
	u := a.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return a.Client.Do(ctx, Request{
		Method: "GET",
		URL:    u,
		Header: map[string]string{"Authorization": "Bearer " + credential},
	})
}

func (a *PhoneBurnerAdapter) Validate(ctx context.Context, credential string) error {
	_, err := a.get(ctx, credential, "/members", url.Values{"page_size": {"1"}})
	return err
}

func phoneBurnerStatus(s string) string {
	switch strings.ToLower(s) {
	case "active", "in_progress":
		return "active"
	case "scheduled", "paused":
		return "paused"
	case "complete", "completed", "ended":
		return "completed"
	default:
		return strings.ToLower(s)
	}
}

func (a *PhoneBurnerAdapter) ListEntities(ctx context.Context, credential string, page int) (*EntityPage, error) {
	body, err := a.get(ctx, credential, "/dialsession", url.Values{
		"page":      {fmt.Sprint(page + 1)},
		"page_size": {fmt.Sprint(phoneBurnerPageLimit)},
	})
	if err != nil {
		return nil, err
	}
	items, err := listEnvelope(body, "dialsessions", "data", "sessions")
	if err != nil {
		return nil, err
	}
	entities := make([]state.Entity, 0, len(items))
	for _, item := range items {
		id := firstString(item, "session_id", "id")
		if id == "" {
			continue
		}
		name := firstString(item, "name", "title")
		if name == "" {
			name = "Dial session " + id
		}
		entities = append(entities, state.Entity{
			Platform:          PlatformPhoneBurner,
			PlatformEntityID:  id,
			Kind:              "call_session",
			Name:              name,
			Status:            phoneBurnerStatus(firstString(item, "status")),
			CreatedUpstreamAt: parseUpstreamTime(item.Get("date_start")),
		})
	}
	return &EntityPage{
		Entities: entities,
		More:     len(items) == phoneBurnerPageLimit,
	}, nil
}

func (a *PhoneBurnerAdapter) FetchAnalytics(ctx context.Context, credential, entityID string) (json.RawMessage, error) {
	body, err := a.get(ctx, credential, "/dialsession/"+entityID+"/stats", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (a *PhoneBurnerAdapter) FetchSubEntities(ctx context.Context, credential, entityID string) (*NormalizedSubEntities, error) {
	body, err := a.get(ctx, credential, "/dialsession/"+entityID+"/scripts", nil)
	if err != nil {
		return nil, err
	}
	return NormalizeSubEntities(PlatformPhoneBurner, entityID, "script", body), nil
}

func (a *PhoneBurnerAdapter) ListEvents(ctx context.Context, credential string, offset int) (*EventPage, error) {
	// page_size/offset paging over the call log, newest first
	body, err := a.get(ctx, credential, "/calls", url.Values{
		"offset":    {fmt.Sprint(offset)},
		"page_size": {fmt.Sprint(phoneBurnerEventLimit)},
	})
	if err != nil {
		return nil, err
	}
	items, err := listEnvelope(body, "calls", "data")
	if err != nil {
		return nil, err
	}
	events := make([]state.Event, 0, len(items))
	for _, item := range items {
		leadID := firstString(item, "contact_id", "lead_id")
		callID := firstString(item, "call_id", "id")
		occurredAt := parseUpstreamTime(item.Get("call_time"))
		eventType := firstString(item, "disposition", "result")
		if eventType == "" {
			eventType = "call"
		}
		events = append(events, state.Event{
			Platform:         PlatformPhoneBurner,
			DedupeKey:        state.EventDedupeKey(leadID, callID, occurredAt),
			PlatformEntityID: firstString(item, "session_id"),
			LeadID:           leadID,
			EventType:        strings.ToLower(eventType),
			OccurredAt:       occurredAt,
			Payload:          json.RawMessage(item.Raw),
		})
	}
	return &EventPage{
		Events:     events,
		NextOffset: offset + len(items),
		More:       len(items) == phoneBurnerEventLimit,
	}, nil
}

func (a *PhoneBurnerAdapter) FetchDailyStats(ctx context.Context, credential string, from, to time.Time) ([]state.DailyStat, error) {
	body, err := a.get(ctx, credential, "/reports/daily", url.Values{
		"date_start": {from.Format("2006-01-02")},
		"date_end":   {to.Format("2006-01-02")},
	})
	if err != nil {
		return nil, err
	}
	items, err := listEnvelope(body, "data", "report")
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
			Platform: PlatformPhoneBurner,
			Day:      day,
			Calls:    int(firstInt(item, "total_calls", "calls")),
			Replies:  int(firstInt(item, "live_answers", "connects")),
		})
	}
	return stats, nil
}

var _ Adapter = (*PhoneBurnerAdapter)(nil)
