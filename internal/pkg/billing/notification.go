package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// Notification is the normalized envelope of an inbound provider
// notification. Nothing in it is trusted for state decisions.
type Notification struct {
	ProviderEventID string
	ResourceID      string
	ResourceType    string
	Action          string
	LiveMode        bool
}

// ParseNotification reads the JSON body and falls back to the legacy query
// form (?type=payment&data.id=... or ?topic=payment&id=...). A notification
// without an event id gets a content hash so redeliveries still collapse.
func ParseNotification(body []byte, query url.Values) Notification {
	var raw struct {
		ID       json.RawMessage `json:"id"`
		Type     string          `json:"type"`
		Topic    string          `json:"topic"`
		Action   string          `json:"action"`
		LiveMode bool            `json:"live_mode"`
		Data     struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
		Resource string `json:"resource"`
	}
	_ = json.Unmarshal(body, &raw)

	n := Notification{
		ProviderEventID: rawString(raw.ID),
		ResourceID:      rawString(raw.Data.ID),
		ResourceType:    strings.ToLower(strings.TrimSpace(firstNonEmpty(raw.Type, raw.Topic))),
		Action:          strings.TrimSpace(raw.Action),
		LiveMode:        raw.LiveMode,
	}

	if n.ResourceType == "" {
		n.ResourceType = strings.ToLower(strings.TrimSpace(firstNonEmpty(query.Get("type"), query.Get("topic"))))
	}
	if n.ResourceID == "" {
		n.ResourceID = strings.TrimSpace(query.Get("data.id"))
	}
	if n.ResourceID == "" && query.Get("topic") != "" {
		n.ResourceID = strings.TrimSpace(query.Get("id"))
	}
	if n.ResourceID == "" && raw.Resource != "" {
		// Legacy feeds send a resource URL or a bare id.
		parts := strings.Split(strings.TrimRight(raw.Resource, "/"), "/")
		n.ResourceID = parts[len(parts)-1]
	}
	if n.ProviderEventID == "" {
		sum := sha256.Sum256(append(append([]byte{}, body...), []byte(query.Encode())...))
		n.ProviderEventID = contentKeyPrefix + hex.EncodeToString(sum[:])
	}
	return n
}

const contentKeyPrefix = "hash:"

// ContentKeyed reports whether the event id was derived from the delivery
// content. Such deliveries carry no status, so every status change of the
// same resource lands on one ledger row.
func (n Notification) ContentKeyed() bool {
	return strings.HasPrefix(n.ProviderEventID, contentKeyPrefix)
}

func rawString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unq, err := strconv.Unquote(s); err == nil {
		return strings.TrimSpace(unq)
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
