// Package ws is the client side of the backend's realtime endpoint: a
// single websocket carrying row-change push events (subscribe per table and
// filter) and fire-and-forget broadcast channels for typing indicators.
// Delivery is best-effort; the poll fallback owns correctness.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/reelmates/reelchat/internal/domain"
)

const writeWait = 10 * time.Second

// Feed is one realtime connection multiplexing all push subscriptions.
type Feed struct {
	conn *websocket.Conn
	log  zerolog.Logger

	// nhooyr allows one concurrent writer per connection.
	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID uint64
}

// Dial connects to the realtime endpoint. Auth goes in the query string;
// websockets cannot send headers from browsers and the backend accepts the
// same convention everywhere.
func Dial(ctx context.Context, rawURL, token string, log zerolog.Logger) (*Feed, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing realtime endpoint: %w", err)
	}

	return &Feed{
		conn: conn,
		log:  log,
		subs: make(map[string][]*subscription),
	}, nil
}

// ReadPump reads frames until the connection drops. Run it in a goroutine.
// On error the feed goes quiet and the poll fallback carries the load, so
// failures here are logged, not fatal.
func (f *Feed) ReadPump(ctx context.Context) error {
	defer f.conn.Close(websocket.StatusNormalClosure, "")

	for {
		var frame serverFrame
		if err := wsjson.Read(ctx, f.conn, &frame); err != nil {
			if websocket.CloseStatus(err) != -1 {
				f.log.Info().Msg("realtime connection closed")
			} else {
				f.log.Warn().Err(err).Msg("realtime read error")
			}
			return err
		}
		f.dispatch(&frame)
	}
}

func (f *Feed) dispatch(frame *serverFrame) {
	switch frame.Type {
	case frameChange:
		if frame.Event == nil {
			return
		}
		ev, err := decodeFeedEvent(frame.Event)
		if err != nil {
			f.log.Warn().Err(err).Str("topic", frame.Topic).Msg("dropping malformed change event")
			return
		}
		for _, sub := range f.handlers(frame.Topic) {
			if sub.onChange != nil {
				sub.onChange(ev)
			}
		}

	case frameBroadcast:
		var ev domain.TypingEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			f.log.Warn().Err(err).Str("topic", frame.Topic).Msg("dropping malformed broadcast")
			return
		}
		for _, sub := range f.handlers(frame.Topic) {
			if sub.onTyping != nil {
				sub.onTyping(ev)
			}
		}

	case frameError:
		f.log.Warn().Str("topic", frame.Topic).Str("message", frame.Message).Msg("realtime channel error")
	}
}

func (f *Feed) handlers(topic string) []*subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*subscription, len(f.subs[topic]))
	copy(out, f.subs[topic])
	return out
}

type subscription struct {
	feed     *Feed
	id       uint64
	topic    string
	onChange func(domain.FeedEvent)
	onTyping func(domain.TypingEvent)
	once     sync.Once
}

// Close removes the handler and, for the topic's last subscriber, tells the
// server to stop pushing it.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.feed.remove(s)
	})
	return nil
}

func (f *Feed) remove(s *subscription) {
	f.mu.Lock()
	subs := f.subs[s.topic]
	for i, sub := range subs {
		if sub.id == s.id {
			f.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	last := len(f.subs[s.topic]) == 0
	if last {
		delete(f.subs, s.topic)
	}
	f.mu.Unlock()

	if last {
		if err := f.write(clientFrame{Action: actionUnsubscribe, Topic: s.topic}); err != nil {
			f.log.Debug().Err(err).Str("topic", s.topic).Msg("unsubscribe failed")
		}
	}
}

// SubscribeChanges registers a handler for row changes on table rows
// matching filter.
func (f *Feed) SubscribeChanges(table, filter string, fn func(domain.FeedEvent)) (io.Closer, error) {
	topic := table
	if filter != "" {
		topic = table + ":" + filter
	}

	f.mu.Lock()
	f.nextID++
	sub := &subscription{feed: f, id: f.nextID, topic: topic, onChange: fn}
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], sub)
	f.mu.Unlock()

	if first {
		if err := f.write(clientFrame{Action: actionSubscribe, Topic: topic, Table: table, Filter: filter}); err != nil {
			sub.Close()
			return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return sub, nil
}

// TypingChannel is a joined broadcast channel for one conversation. It
// satisfies the chat package's TypingSender.
type TypingChannel struct {
	feed  *Feed
	topic string
	sub   *subscription
}

// JoinTyping joins the typing channel for a conversation key, routing
// inbound broadcasts to fn.
func (f *Feed) JoinTyping(key string, fn func(domain.TypingEvent)) (*TypingChannel, error) {
	topic := "typing:" + key

	f.mu.Lock()
	f.nextID++
	sub := &subscription{feed: f, id: f.nextID, topic: topic, onTyping: fn}
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], sub)
	f.mu.Unlock()

	if first {
		if err := f.write(clientFrame{Action: actionSubscribe, Topic: topic}); err != nil {
			sub.Close()
			return nil, fmt.Errorf("joining typing channel %s: %w", topic, err)
		}
	}
	return &TypingChannel{feed: f, topic: topic, sub: sub}, nil
}

// BroadcastTyping sends a typing event to everyone on the channel.
func (tc *TypingChannel) BroadcastTyping(ctx context.Context, ev domain.TypingEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return tc.feed.writeCtx(ctx, clientFrame{Action: actionBroadcast, Topic: tc.topic, Payload: payload})
}

func (tc *TypingChannel) Close() error {
	return tc.sub.Close()
}

// SubscribeSessionStatus implements anon.Subscriber.
func (f *Feed) SubscribeSessionStatus(sessionID uuid.UUID, fn func(domain.AnonymousSession)) (io.Closer, error) {
	return f.SubscribeChanges(domain.TableAnonSessions, "id=eq."+sessionID.String(), func(ev domain.FeedEvent) {
		if ev.Session != nil {
			fn(*ev.Session)
		}
	})
}

// SubscribeMessages implements anon.Subscriber.
func (f *Feed) SubscribeMessages(sessionID uuid.UUID, fn func(domain.FeedEvent)) (io.Closer, error) {
	return f.SubscribeChanges(domain.TableAnonMessages, "session_id=eq."+sessionID.String(), fn)
}

// SubscribeTyping implements anon.Subscriber.
func (f *Feed) SubscribeTyping(sessionID uuid.UUID, fn func(domain.TypingEvent)) (io.Closer, error) {
	return f.JoinTyping("anon-"+sessionID.String(), fn)
}

func (f *Feed) write(frame clientFrame) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return f.writeCtx(ctx, frame)
}

func (f *Feed) writeCtx(ctx context.Context, frame clientFrame) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return wsjson.Write(ctx, f.conn, frame)
}

// Close shuts the connection down.
func (f *Feed) Close() error {
	return f.conn.Close(websocket.StatusNormalClosure, "")
}
