package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reelmates/reelchat/internal/domain"
	"github.com/reelmates/reelchat/internal/repository"
)

// NotificationSink receives user-facing notification payloads. The engine
// emits; the consumer renders.
type NotificationSink interface {
	Notify(domain.Notification)
}

// Aggregator tracks per-conversation unread counts and the global
// has-unread-DMs flag. Counters increment on inbound inserts for inactive
// conversations and zero when the conversation is activated. The DM flag is
// refreshed from the authoritative source rather than incremented locally,
// so it survives cross-tab and cross-session drift.
type Aggregator struct {
	repo       repository.UnreadRepository
	sink       NotificationSink
	selfID     string
	previewLen int
	log        zerolog.Logger

	mu           sync.Mutex
	counters     map[string]int
	activeKey    string
	hasUnreadDMs bool
}

func NewAggregator(repo repository.UnreadRepository, selfID string, previewLen int, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		repo:       repo,
		selfID:     selfID,
		previewLen: previewLen,
		log:        log,
		counters:   make(map[string]int),
	}
}

// SetNotifier sets the notification sink (optional dependency).
func (a *Aggregator) SetNotifier(n NotificationSink) {
	a.sink = n
}

// OnInboundInsert records an inbound message for an inactive conversation:
// bumps its counter, refreshes the DM flag for DMs, and emits a notification
// with a truncated content preview.
func (a *Aggregator) OnInboundInsert(ctx context.Context, conv domain.Conversation, msg domain.Message) {
	key := conv.Key()

	a.mu.Lock()
	if key == a.activeKey {
		a.mu.Unlock()
		return
	}
	a.counters[key]++
	a.mu.Unlock()

	if conv.IsDM() {
		go func() {
			if err := a.RefreshUnreadDMs(context.WithoutCancel(ctx)); err != nil {
				a.log.Debug().Err(err).Msg("unread DM refresh failed")
			}
		}()
	}

	if a.sink != nil {
		kind := domain.NotifyRoom
		if conv.IsDM() {
			kind = domain.NotifyDM
		}
		a.sink.Notify(domain.Notification{
			Message: truncate(msg.Content, a.previewLen),
			Type:    kind,
			Sender:  &domain.Profile{ID: msg.SenderID, Username: msg.SenderUsername},
		})
	}
}

// OnConversationActivated zeroes the counter for the now-active conversation.
func (a *Aggregator) OnConversationActivated(key string) {
	a.mu.Lock()
	a.activeKey = key
	delete(a.counters, key)
	a.mu.Unlock()
}

// OnConversationDeactivated forgets the active key; every conversation
// accrues unread again.
func (a *Aggregator) OnConversationDeactivated() {
	a.mu.Lock()
	a.activeKey = ""
	a.mu.Unlock()
}

// Count returns the unread count for a conversation key.
func (a *Aggregator) Count(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[key]
}

// HasUnreadDMs returns the last refreshed global DM flag.
func (a *Aggregator) HasUnreadDMs() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasUnreadDMs
}

// RefreshUnreadDMs re-queries the authoritative source and stores the flag.
func (a *Aggregator) RefreshUnreadDMs(ctx context.Context) error {
	has, err := a.repo.HasUnreadDMs(ctx, a.selfID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.hasUnreadDMs = has
	a.mu.Unlock()
	return nil
}

// truncate caps s at limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
