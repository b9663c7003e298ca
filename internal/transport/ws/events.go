package ws

import (
	"encoding/json"
	"fmt"

	"github.com/reelmates/reelchat/internal/domain"
)

// Frame actions - client → server
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionBroadcast   = "broadcast"
)

// Frame types - server → client
const (
	frameChange    = "change"
	frameBroadcast = "broadcast"
	frameError     = "error"
)

// clientFrame is the envelope for everything we send upstream.
type clientFrame struct {
	Action  string          `json:"action"`
	Topic   string          `json:"topic"`
	Table   string          `json:"table,omitempty"`
	Filter  string          `json:"filter,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is the envelope for everything the realtime endpoint pushes.
// Change frames carry a row-change event; broadcast frames carry an opaque
// payload (typing indicators).
type serverFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Event   *changeEvent    `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

type changeEvent struct {
	Kind  string          `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new"`
	Old   json.RawMessage `json:"old"`
}

// decodeFeedEvent narrows a raw change frame into the tagged domain form.
// This is the only place raw push payloads are inspected; everything
// downstream consumes domain.FeedEvent.
func decodeFeedEvent(ev *changeEvent) (domain.FeedEvent, error) {
	out := domain.FeedEvent{Table: ev.Table}

	switch ev.Kind {
	case domain.EventInsert, domain.EventUpdate:
		out.Kind = ev.Kind
	default:
		return out, fmt.Errorf("unsupported event type %q", ev.Kind)
	}

	switch ev.Table {
	case domain.TableRoomMessages, domain.TableDMMessages, domain.TableAnonMessages:
		var msg domain.Message
		if err := json.Unmarshal(ev.New, &msg); err != nil {
			return out, fmt.Errorf("decoding %s row: %w", ev.Table, err)
		}
		out.Message = &msg
	case domain.TableAnonSessions:
		var sess domain.AnonymousSession
		if err := json.Unmarshal(ev.New, &sess); err != nil {
			return out, fmt.Errorf("decoding %s row: %w", ev.Table, err)
		}
		out.Session = &sess
	default:
		return out, fmt.Errorf("unknown table %q", ev.Table)
	}

	return out, nil
}
