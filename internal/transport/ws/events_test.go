package ws

import (
	"encoding/json"
	"testing"

	"github.com/reelmates/reelchat/internal/domain"
)

func TestDecodeFeedEventRoomInsert(t *testing.T) {
	ev := &changeEvent{
		Kind:  "INSERT",
		Table: "room_messages",
		New: json.RawMessage(`{
			"id": 42,
			"room_id": 7,
			"sender_id": "u1",
			"content": "hello",
			"created_at": "2026-03-14T12:00:00Z"
		}`),
	}

	out, err := decodeFeedEvent(ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != domain.EventInsert || out.Table != domain.TableRoomMessages {
		t.Fatalf("wrong tag: %+v", out)
	}
	if out.Message == nil || out.Session != nil {
		t.Fatal("room change must carry a message, not a session")
	}
	if out.Message.ID != 42 || out.Message.RoomID != 7 || out.Message.Content != "hello" {
		t.Fatalf("row not decoded: %+v", out.Message)
	}
}

func TestDecodeFeedEventDMUpdate(t *testing.T) {
	ev := &changeEvent{
		Kind:  "UPDATE",
		Table: "dm_messages",
		New: json.RawMessage(`{
			"id": 9,
			"sender_id": "u1",
			"recipient_id": "u2",
			"content": "edited",
			"seen_by": ["u1", "u2"],
			"created_at": "2026-03-14T12:00:00Z"
		}`),
	}

	out, err := decodeFeedEvent(ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != domain.EventUpdate {
		t.Fatalf("kind = %q, want UPDATE", out.Kind)
	}
	if len(out.Message.SeenBy) != 2 {
		t.Fatalf("seen_by not decoded: %+v", out.Message)
	}
}

func TestDecodeFeedEventSessionRow(t *testing.T) {
	ev := &changeEvent{
		Kind:  "UPDATE",
		Table: "anon_sessions",
		New: json.RawMessage(`{
			"session_id": "9d2f8a10-1111-4222-8333-444455556666",
			"status": "ended",
			"user1_id": "u1",
			"user2_id": "u2",
			"ended_by": "u2",
			"created_at": "2026-03-14T12:00:00Z"
		}`),
	}

	out, err := decodeFeedEvent(ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session == nil || out.Message != nil {
		t.Fatal("session change must carry a session, not a message")
	}
	if out.Session.Status != domain.SessionEnded {
		t.Fatalf("status = %q, want ended", out.Session.Status)
	}
	if out.Session.EndedBy == nil || *out.Session.EndedBy != "u2" {
		t.Fatalf("ended_by not decoded: %+v", out.Session)
	}
}

func TestDecodeFeedEventRejectsUnknownKind(t *testing.T) {
	ev := &changeEvent{Kind: "DELETE", Table: "room_messages", New: json.RawMessage(`{}`)}
	if _, err := decodeFeedEvent(ev); err == nil {
		t.Fatal("expected error for unsupported event type")
	}
}

func TestDecodeFeedEventRejectsUnknownTable(t *testing.T) {
	ev := &changeEvent{Kind: "INSERT", Table: "profiles", New: json.RawMessage(`{}`)}
	if _, err := decodeFeedEvent(ev); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestDecodeFeedEventMalformedRow(t *testing.T) {
	ev := &changeEvent{Kind: "INSERT", Table: "dm_messages", New: json.RawMessage(`{"id": "not-a-number"}`)}
	if _, err := decodeFeedEvent(ev); err == nil {
		t.Fatal("expected error for malformed row payload")
	}
}
