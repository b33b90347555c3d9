package upstream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/campaignlab/connector-sync/state"
)

// NormalizedSubEntities is the tagged result of parsing a sub-entity response.
// Recognized carries canonical records; Unrecognized (Recognized=false) keeps
// the raw body so the failure can be recorded without guessing. All the
// envelope shape-guessing lives here; the phase pipeline never looks at raw
// vendor JSON.
type NormalizedSubEntities struct {
	Recognized  bool
	SubEntities []state.SubEntity
	Raw         json.RawMessage
}

// NormalizeSubEntities accepts the envelope shapes observed across vendor
// accounts and API versions: a bare array, {"data": [...]}, {"sequences":
// [...]} or {"variants": [...]}. Anything else is returned unrecognized.
func NormalizeSubEntities(platform, entityID, kind string, body []byte) *NormalizedSubEntities {
	parsed := gjson.ParseBytes(body)
	var items []gjson.Result
	switch {
	case parsed.IsArray():
		items = parsed.Array()
	case parsed.Get("data").IsArray():
		items = parsed.Get("data").Array()
	case parsed.Get("sequences").IsArray():
		items = parsed.Get("sequences").Array()
	case parsed.Get("variants").IsArray():
		items = parsed.Get("variants").Array()
	default:
		return &NormalizedSubEntities{Recognized: false, Raw: body}
	}

	subs := make([]state.SubEntity, 0, len(items))
	for i, item := range items {
		id := firstString(item, "id", "seq_id", "variant_id", "step_id")
		if id == "" {
			// a row without any identity cannot be upserted idempotently
			return &NormalizedSubEntities{Recognized: false, Raw: body}
		}
		position := int(firstInt(item, "seq_number", "position", "step"))
		if position == 0 {
			position = i + 1
		}
		subject := firstString(item, "subject", "email_subject", "title")
		content := firstString(item, "email_body", "body", "content", "message", "script")
		subs = append(subs, state.SubEntity{
			Platform:            platform,
			PlatformEntityID:    entityID,
			PlatformSubEntityID: id,
			Kind:                kind,
			Position:            position,
			Subject:             subject,
			Content:             content,
			Placeholders:        ExtractPlaceholders(subject, content),
		})
	}
	return &NormalizedSubEntities{Recognized: true, SubEntities: subs}
}

// firstString returns the first of the named fields present on the item,
// coercing numeric ids to their string form.
func firstString(item gjson.Result, fields ...string) string {
	for _, f := range fields {
		v := item.Get(f)
		if !v.Exists() {
			continue
		}
		if v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
		if v.Type == gjson.Number {
			return v.Raw
		}
	}
	return ""
}

func firstInt(item gjson.Result, fields ...string) int64 {
	for _, f := range fields {
		v := item.Get(f)
		if v.Exists() && v.Type == gjson.Number {
			return v.Int()
		}
	}
	return 0
}

var (
	doubleBraceRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)
	singleBraceRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
)

// ExtractPlaceholders pulls personalization tokens out of free-text message
// content. Both {{first_name}} and {FirstName} styles appear in the wild,
// sometimes in the same template. Returned sorted and deduplicated.
func ExtractPlaceholders(texts ...string) []string {
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, m := range doubleBraceRe.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = struct{}{}
		}
		// strip the double-brace tokens first so their inner braces don't
		// masquerade as single-brace tokens
		stripped := doubleBraceRe.ReplaceAllString(text, "")
		for _, m := range singleBraceRe.FindAllStringSubmatch(stripped, -1) {
			seen[m[1]] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// parseUpstreamTime accepts the timestamp formats the three vendors emit.
func parseUpstreamTime(v gjson.Result) (t time.Time) {
	if !v.Exists() {
		return
	}
	if v.Type == gjson.Number {
		return time.Unix(v.Int(), 0).UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, v.Str); err == nil {
			return parsed.UTC()
		}
	}
	return
}

// listEnvelope extracts a top-level entity array from the same set of
// envelope shapes NormalizeSubEntities tolerates.
func listEnvelope(body []byte, keys ...string) ([]gjson.Result, error) {
	parsed := gjson.ParseBytes(body)
	if parsed.IsArray() {
		return parsed.Array(), nil
	}
	for _, k := range keys {
		if parsed.Get(k).IsArray() {
			return parsed.Get(k).Array(), nil
		}
	}
	return nil, fmt.Errorf("unrecognized list envelope: %s", truncate(strings.TrimSpace(string(body)), 128))
}
