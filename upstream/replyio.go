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
	PlatformReplyIO   = "replyio"
	replyIOBaseURL    = "https://api.reply.io/v1"
	replyIOInterval   = 2 * time.Second
	replyIOPageLimit  = 50
	replyIOEventLimit = 100
)

// ReplyIOAdapter syncs sequences (campaigns), their step templates and people
// actions from the Reply.io API. Auth is an x-api-key header. Reply.io's rate
// limit is the strictest of the three platforms, hence the wide spacing.
type ReplyIOAdapter struct {
	BaseURL string
	Client  Client
}

func NewReplyIOAdapter(baseURL string) *ReplyIOAdapter {
	if baseURL == "" {
		baseURL = replyIOBaseURL
	}
	return &ReplyIOAdapter{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  NewRateLimitedClient(replyIOInterval),
	}
}

func (a *ReplyIOAdapter) Platform() string               { return PlatformReplyIO }
func (a *ReplyIOAdapter) RequestInterval() time.Duration { return replyIOInterval }

func (a *ReplyIOAdapter) get(ctx context.Context, credential, path string, q url.Values) ([]byte, error) {
	u := a.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return a.Client.Do(ctx, Request{
		Method: "GET",
		URL:    u,
		Header: map[string]string{"X-Api-Key": credential},
	})
}

func (a *ReplyIOAdapter) Validate(ctx context.Context, credential string) error {
	_, err := a.get(ctx, credential, "/campaigns", url.Values{"limit": {"1"}})
	return err
}

// Reply.io sends campaign status as a string on newer accounts and a numeric
// enum on older ones.
func replyIOStatus(v string) string {
	switch strings.ToLower(v) {
	case "active", "2":
		return "active"
	case "paused", "1", "new", "0":
		return "paused"
	case "finished", "archived", "3", "4":
		return "completed"
	default:
		return strings.ToLower(v)
	}
}

func (a *ReplyIOAdapter) ListEntities(ctx context.Context, credential string, page int) (*EntityPage, error) {
	body, err := a.get(ctx, credential, "/campaigns", url.Values{
		"page":  {fmt.Sprint(page + 1)}, // reply.io pages are 1-based
		"limit": {fmt.Sprint(replyIOPageLimit)},
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
		statusRaw := item.Get("status")
		status := statusRaw.Str
		if status == "" {
			status = statusRaw.Raw
		}
		entities = append(entities, state.Entity{
			Platform:          PlatformReplyIO,
			PlatformEntityID:  id,
			Kind:              "campaign",
			Name:              firstString(item, "name"),
			Status:            replyIOStatus(status),
			CreatedUpstreamAt: parseUpstreamTime(item.Get("created")),
		})
	}
	return &EntityPage{
		Entities: entities,
		More:     len(items) == replyIOPageLimit,
	}, nil
}

func (a *ReplyIOAdapter) FetchAnalytics(ctx context.Context, credential, entityID string) (json.RawMessage, error) {
	body, err := a.get(ctx, credential, "/campaigns/"+entityID+"/statistics", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (a *ReplyIOAdapter) FetchSubEntities(ctx context.Context, credential, entityID string) (*NormalizedSubEntities, error) {
	body, err := a.get(ctx, credential, "/campaigns/"+entityID+"/steps", nil)
	if err != nil {
		return nil, err
	}
	return NormalizeSubEntities(PlatformReplyIO, entityID, "sequence_step", body), nil
}

func (a *ReplyIOAdapter) ListEvents(ctx context.Context, credential string, offset int) (*EventPage, error) {
	body, err := a.get(ctx, credential, "/actions", url.Values{
		"offset": {fmt.Sprint(offset)},
		"limit":  {fmt.Sprint(replyIOEventLimit)},
	})
	if err != nil {
		return nil, err
	}
	items, err := listEnvelope(body, "data", "actions")
	if err != nil {
		return nil, err
	}
	events := make([]state.Event, 0, len(items))
	for _, item := range items {
		leadID := firstString(item, "contactId", "personId")
		mappingID := firstString(item, "stepId", "actionId")
		occurredAt := parseUpstreamTime(item.Get("date"))
		eventType := firstString(item, "type")
		if eventType == "" {
			eventType = "action"
		}
		events = append(events, state.Event{
			Platform:         PlatformReplyIO,
			DedupeKey:        state.EventDedupeKey(leadID, mappingID, occurredAt),
			PlatformEntityID: firstString(item, "campaignId"),
			LeadID:           leadID,
			EventType:        strings.ToLower(eventType),
			OccurredAt:       occurredAt,
			Payload:          json.RawMessage(item.Raw),
		})
	}
	return &EventPage{
		Events:     events,
		NextOffset: offset + len(items),
		More:       len(items) == replyIOEventLimit,
	}, nil
}

func (a *ReplyIOAdapter) FetchDailyStats(ctx context.Context, credential string, from, to time.Time) ([]state.DailyStat, error) {
	body, err := a.get(ctx, credential, "/statistics/daily", url.Values{
		"from": {from.Format("2006-01-02")},
		"to":   {to.Format("2006-01-02")},
	})
	if err != nil {
		return nil, err
	}
	items, err := listEnvelope(body, "data", "stats")
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
			Platform: PlatformReplyIO,
			Day:      day,
			Sent:     int(firstInt(item, "deliveriesCount", "sent")),
			Opens:    int(firstInt(item, "opensCount", "opens")),
			Clicks:   int(firstInt(item, "clicksCount", "clicks")),
			Replies:  int(firstInt(item, "repliesCount", "replies")),
		})
	}
	return stats, nil
}

var _ Adapter = (*ReplyIOAdapter)(nil)
