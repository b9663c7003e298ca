package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reelmates/reelchat/internal/domain"
	"github.com/reelmates/reelchat/internal/repository"
	"github.com/reelmates/reelchat/internal/session"
	"github.com/reelmates/reelchat/pkg/validator"
)

var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrInvalidContent       = errors.New("invalid message content")
)

const markSeenTimeout = 5 * time.Second

// Reconciler is the single authority deciding whether an incoming message is
// new, a duplicate of an already-held message, or the confirmation of a
// pending optimistic placeholder. It merges three delivery paths into the
// store: the local echo written on send, the push feed, and the periodic
// poll. Push is the latency optimization, poll the correctness backstop;
// both run at once and coordinate only through the idempotent id merge.
type Reconciler struct {
	store        *Store
	repo         repository.MessageRepository
	unread       *Aggregator
	sess         *session.Source
	log          zerolog.Logger
	pollInterval time.Duration
	now          func() time.Time
	notifier     NotificationSink

	mu     sync.Mutex
	epoch  uint64
	cancel context.CancelFunc
}

func NewReconciler(
	store *Store,
	repo repository.MessageRepository,
	unread *Aggregator,
	sess *session.Source,
	pollInterval time.Duration,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		store:        store,
		repo:         repo,
		unread:       unread,
		sess:         sess,
		log:          log,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// SetNotifier sets the user-facing notification sink (optional dependency).
func (r *Reconciler) SetNotifier(n NotificationSink) {
	r.notifier = n
}

// SetClock overrides the wall clock. Tests use it to pin placeholder ids.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Activate makes conv the active conversation: resets the store, zeroes its
// unread counter, loads history, and starts the poll loop. Any in-flight
// load or poll for the previous conversation is cancelled, and late
// responses are dropped by the epoch guard.
func (r *Reconciler) Activate(ctx context.Context, conv domain.Conversation) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.epoch++
	epoch := r.epoch
	pollCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.store.SetActive(conv)
	if r.unread != nil {
		r.unread.OnConversationActivated(conv.Key())
	}

	go r.run(pollCtx, conv, epoch)
}

// Deactivate stops polling and leaves no active conversation. The store and
// the unread aggregator both forget the departed conversation, so its
// subsequent inbound inserts count as unread instead of landing in an
// invisible message list.
func (r *Reconciler) Deactivate() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.epoch++
	r.mu.Unlock()

	r.store.ClearActive()
	if r.unread != nil {
		r.unread.OnConversationDeactivated()
	}
}

func (r *Reconciler) run(ctx context.Context, conv domain.Conversation, epoch uint64) {
	r.loadHistory(ctx, conv, epoch)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, conv, epoch)
		}
	}
}

func (r *Reconciler) loadHistory(ctx context.Context, conv domain.Conversation, epoch uint64) {
	msgs, err := r.repo.ListRecent(ctx, conv, r.selfID())
	if !r.current(epoch, conv) {
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Str("conversation", conv.Key()).Msg("history load failed")
		r.store.SetLoadError(err)
		return
	}
	r.store.ReplaceHistory(msgs)

	if conv.IsDM() {
		r.markSeen(conv.OtherUserID)
	}
}

// pollOnce fetches the authoritative recent history and appends whatever the
// push feed missed. Failures are retried implicitly by the next tick.
func (r *Reconciler) pollOnce(ctx context.Context, conv domain.Conversation, epoch uint64) {
	msgs, err := r.repo.ListRecent(ctx, conv, r.selfID())
	if !r.current(epoch, conv) {
		return
	}
	if err != nil {
		r.log.Debug().Err(err).Str("conversation", conv.Key()).Msg("poll failed")
		return
	}

	self := r.selfID()
	for _, msg := range msgs {
		if msg.SenderID == self && r.store.ReplaceMatchingPlaceholder(msg) {
			continue
		}
		r.store.AppendOrMerge(msg)
	}
}

// Send inserts an optimistic placeholder, issues the network send, and
// replaces the placeholder with the confirmed echo. On failure the
// placeholder is rolled back and the reply draft restored so the user can
// retry.
func (r *Reconciler) Send(ctx context.Context, content string, replyTo *int64) (*domain.Message, error) {
	if errs := validator.ValidateMessageContent(content); errs.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContent, errs)
	}

	conv, ok := r.store.Active()
	if !ok {
		return nil, ErrNoActiveConversation
	}

	identity := r.sess.Identity()
	tempID := r.now().UnixMilli()
	placeholder := domain.NewPlaceholder(tempID, conv, identity.UserID, content, replyTo, r.now())
	placeholder.SenderUsername = identity.Username

	r.store.AppendOrMerge(placeholder)
	r.store.ClearDraft()

	confirmed, err := r.repo.Send(ctx, conv, identity.UserID, content, replyTo)
	if err != nil {
		r.store.Remove(tempID)
		r.store.SetDraft(Draft{Content: content, ReplyToID: replyTo})
		if r.notifier != nil {
			r.notifier.Notify(domain.Notification{
				Message: "Message failed to send",
				Type:    domain.NotifyError,
			})
		}
		return nil, fmt.Errorf("sending message: %w", err)
	}

	r.store.ReplacePlaceholder(tempID, *confirmed)
	return confirmed, nil
}

// HandleEvent applies one push-delivered message event. Events for
// conversations other than the active one are routed only to the unread
// aggregator, never appended to the store.
func (r *Reconciler) HandleEvent(ctx context.Context, ev domain.FeedEvent) {
	if ev.Message == nil {
		return
	}
	self := r.selfID()
	conv, ok := ev.Conversation(self)
	if !ok {
		return
	}

	active, haveActive := r.store.Active()
	isActive := haveActive && active == conv

	switch ev.Kind {
	case domain.EventInsert:
		if !isActive {
			if ev.Message.SenderID != self && r.unread != nil {
				r.unread.OnInboundInsert(ctx, conv, *ev.Message)
			}
			return
		}
		if ev.Message.SenderID == self {
			if !r.store.ReplaceMatchingPlaceholder(*ev.Message) {
				r.store.AppendOrMerge(*ev.Message)
			}
			return
		}
		if r.store.AppendOrMerge(*ev.Message) && conv.IsDM() {
			// Being viewed right now, so it counts as seen immediately.
			r.markSeen(conv.OtherUserID)
		}

	case domain.EventUpdate:
		if isActive {
			r.store.ApplyUpdate(*ev.Message)
		}
	}
}

// markSeen is best-effort and non-blocking; failures are logged, never
// surfaced.
func (r *Reconciler) markSeen(otherUserID string) {
	self := r.selfID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markSeenTimeout)
		defer cancel()
		if err := r.repo.MarkSeen(ctx, otherUserID, self); err != nil {
			r.log.Debug().Err(err).Str("other_user", otherUserID).Msg("mark seen failed")
		}
	}()
}

func (r *Reconciler) selfID() string {
	return r.sess.Identity().UserID
}

// current reports whether a response taken at epoch may still be applied:
// the activation epoch must match and the store must still hold the same
// conversation. A stale response for a previously-active conversation is
// never applied to the new one.
func (r *Reconciler) current(epoch uint64, conv domain.Conversation) bool {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	active, ok := r.store.Active()
	return ok && active == conv
}
