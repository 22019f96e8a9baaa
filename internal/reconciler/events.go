package reconciler

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/waboard/waboard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventKind is the closed set of gateway webhook events the reconciler
// understands. Anything else parses to EventUnknown and is ignored, so new
// provider event names never break the ingress path.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventConnectionUpdate
	EventQRUpdated
	EventMessageUpsert
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionUpdate:
		return "connection.update"
	case EventQRUpdated:
		return "qrcode.updated"
	case EventMessageUpsert:
		return "messages.upsert"
	default:
		return "unknown"
	}
}

// ParseEventKind matches gateway event names case- and separator-insensitively:
// "connection.update", "CONNECTION_UPDATE" and "connection-update" are the
// same event across provider versions.
func ParseEventKind(name string) EventKind {
	key := strings.ToLower(name)
	for _, sep := range []string{".", "_", "-", ":"} {
		key = strings.ReplaceAll(key, sep, "")
	}
	switch key {
	case "connectionupdate", "connectionstatechanged":
		return EventConnectionUpdate
	case "qrcodeupdated", "qrupdated":
		return EventQRUpdated
	case "messagesupsert", "messageupsert":
		return EventMessageUpsert
	default:
		return EventUnknown
	}
}

// WebhookEvent is the gateway's webhook body: { event, instance, data }.
type WebhookEvent struct {
	Event    string                 `json:"event"`
	Instance string                 `json:"instance"`
	Data     map[string]interface{} `json:"data"`
}

// ParseWebhookEvent decodes a raw webhook body.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Kind resolves the event's parsed kind.
func (e *WebhookEvent) Kind() EventKind {
	return ParseEventKind(e.Event)
}

// connectionUpdate covers the field spellings different gateway versions use
// for connection-state payloads.
type connectionUpdate struct {
	State      string `mapstructure:"state"`
	Status     string `mapstructure:"status"`
	Connection string `mapstructure:"connection"`

	StatusReason int `mapstructure:"statusReason"`
	ReasonCode   int `mapstructure:"reasonCode"`
}

func decodeConnectionUpdate(data map[string]interface{}) (*connectionUpdate, error) {
	var upd connectionUpdate
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &upd,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(data); err != nil {
		return nil, err
	}
	return &upd, nil
}

// rawState returns the first populated state field.
func (u *connectionUpdate) rawState() string {
	for _, s := range []string{u.State, u.Status, u.Connection} {
		if s != "" {
			return s
		}
	}
	return ""
}

// reason returns the provider's machine-readable disconnect reason code.
func (u *connectionUpdate) reason() int {
	if u.StatusReason != 0 {
		return u.StatusReason
	}
	return u.ReasonCode
}

// MapProviderState translates the provider's state vocabulary into the four
// canonical instance statuses. Unknown states map to "".
func MapProviderState(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open", "connected", "online":
		return domain.InstanceConnected
	case "connecting", "reconnecting":
		return domain.InstanceConnecting
	case "close", "closed", "disconnected", "offline":
		return domain.InstanceDisconnected
	case "qr", "qrcode", "qr_pending":
		return domain.InstanceQRPending
	default:
		return ""
	}
}

// qrFieldPaths is the ordered list of payload shapes the QR code has been
// observed under across gateway versions. Extraction takes the first present,
// non-empty string; keep additions here rather than inline at call sites.
var qrFieldPaths = [][]string{
	{"qrcode", "base64"},
	{"qrcode", "code"},
	{"qrcode"},
	{"qr", "base64"},
	{"qr"},
	{"base64"},
	{"code"},
}

// ExtractQRCode pulls the QR payload out of any known payload shape.
func ExtractQRCode(data map[string]interface{}) (string, bool) {
	for _, path := range qrFieldPaths {
		if val, ok := lookupPath(data, path); ok {
			return val, true
		}
	}
	return "", false
}

func lookupPath(data map[string]interface{}, path []string) (string, bool) {
	node := interface{}(data)
	for _, key := range path {
		m, ok := node.(map[string]interface{})
		if !ok {
			return "", false
		}
		node, ok = m[key]
		if !ok || node == nil {
			return "", false
		}
	}
	s, ok := node.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
