package anon

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reelmates/reelchat/internal/domain"
	"github.com/reelmates/reelchat/internal/logging"
	"github.com/reelmates/reelchat/internal/session"
)

const (
	selfID    = "2a0f7a50-90c4-4a8e-8d8e-05f3a1b20001"
	partnerID = "2a0f7a50-90c4-4a8e-8d8e-05f3a1b20002"
)

type fakeAnonRepo struct {
	mu sync.Mutex

	findResult *domain.AnonymousSession
	findErr    error
	findCalls  int

	endErr   error
	ended    []uuid.UUID
	history  []domain.Message
	histErr  error
	sendMsg  *domain.Message
	sendErr  error
	sentBody []string
}

func (f *fakeAnonRepo) FindPartner(ctx context.Context, selfID string) (*domain.AnonymousSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	copied := *f.findResult
	return &copied, nil
}

func (f *fakeAnonRepo) GetSession(ctx context.Context, id uuid.UUID) (*domain.AnonymousSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findResult != nil && f.findResult.ID == id {
		copied := *f.findResult
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeAnonRepo) EndSession(ctx context.Context, id uuid.UUID, endedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endErr != nil {
		return f.endErr
	}
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeAnonRepo) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.history...), f.histErr
}

func (f *fakeAnonRepo) SendMessage(ctx context.Context, sessionID uuid.UUID, senderID, content string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentBody = append(f.sentBody, content)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendMsg, nil
}

type fakeSub struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeFeed records every subscription and keeps the latest handlers so tests
// can push session updates, messages, and typing events by hand.
type fakeFeed struct {
	mu sync.Mutex

	statusSubs []*fakeSub
	msgSubs    []*fakeSub
	typingSubs []*fakeSub

	onStatus  func(domain.AnonymousSession)
	onMessage func(domain.FeedEvent)
	onTyping  func(domain.TypingEvent)

	msgSubErr error
}

func (f *fakeFeed) SubscribeSessionStatus(id uuid.UUID, fn func(domain.AnonymousSession)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{}
	f.statusSubs = append(f.statusSubs, sub)
	f.onStatus = fn
	return sub, nil
}

func (f *fakeFeed) SubscribeMessages(id uuid.UUID, fn func(domain.FeedEvent)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgSubErr != nil {
		return nil, f.msgSubErr
	}
	sub := &fakeSub{}
	f.msgSubs = append(f.msgSubs, sub)
	f.onMessage = fn
	return sub, nil
}

func (f *fakeFeed) SubscribeTyping(id uuid.UUID, fn func(domain.TypingEvent)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{}
	f.typingSubs = append(f.typingSubs, sub)
	f.onTyping = fn
	return sub, nil
}

func (f *fakeFeed) pushStatus(sess domain.AnonymousSession) {
	f.mu.Lock()
	fn := f.onStatus
	f.mu.Unlock()
	fn(sess)
}

func (f *fakeFeed) pushMessage(ev domain.FeedEvent) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	fn(ev)
}

type transitionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transitionLog) record(status Status, info string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, string(status)+"|"+info)
}

func (l *transitionLog) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return ""
	}
	return l.entries[len(l.entries)-1]
}

func newTestMachine(t *testing.T, repo *fakeAnonRepo, feed *fakeFeed) (*Machine, *transitionLog) {
	t.Helper()
	m := NewMachine(repo, feed, session.Identity{UserID: selfID, Username: "me"}, 3*time.Second, 500*time.Millisecond, logging.Discard())
	m.sleep = func(time.Duration) {}
	log := &transitionLog{}
	m.SetStatusSignal(log.record)
	return m, log
}

func waitingSession() *domain.AnonymousSession {
	return &domain.AnonymousSession{
		ID:      uuid.MustParse("9d2f8a10-1111-4222-8333-444455556666"),
		Status:  domain.SessionWaiting,
		User1ID: selfID,
	}
}

func pairedSession() *domain.AnonymousSession {
	partner := partnerID
	return &domain.AnonymousSession{
		ID:      uuid.MustParse("9d2f8a10-1111-4222-8333-444455556666"),
		Status:  domain.SessionPaired,
		User1ID: selfID,
		User2ID: &partner,
	}
}

func TestStartWaitsInSearching(t *testing.T) {
	repo := &fakeAnonRepo{findResult: waitingSession()}
	feed := &fakeFeed{}
	m, log := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := m.Status(); got != StatusSearching {
		t.Fatalf("status = %q, want searching", got)
	}
	if got := log.last(); got != "searching|Looking for a stranger…" {
		t.Fatalf("transition = %q", got)
	}
	if len(feed.statusSubs) != 1 || len(feed.msgSubs) != 0 || len(feed.typingSubs) != 0 {
		t.Fatal("searching state needs only the session-status subscription")
	}
}

func TestStartPairsImmediately(t *testing.T) {
	repo := &fakeAnonRepo{
		findResult: pairedSession(),
		history:    []domain.Message{{ID: 1, SenderID: partnerID, Content: "hi", CreatedAt: time.Now()}},
	}
	feed := &fakeFeed{}
	m, log := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := m.Status(); got != StatusPaired {
		t.Fatalf("status = %q, want paired", got)
	}
	if got := log.last(); got != "paired|You're now chatting with a stranger" {
		t.Fatalf("transition = %q", got)
	}
	if len(feed.msgSubs) != 1 || len(feed.typingSubs) != 1 {
		t.Fatal("paired state needs message and typing subscriptions")
	}
	if m.Store().Len() != 1 {
		t.Fatal("session history not loaded on pairing")
	}
}

func TestSearchingPairsOnStatusPush(t *testing.T) {
	repo := &fakeAnonRepo{findResult: waitingSession()}
	feed := &fakeFeed{}
	m, _ := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	feed.pushStatus(*pairedSession())

	if got := m.Status(); got != StatusPaired {
		t.Fatalf("status = %q, want paired", got)
	}
	// The searching-phase status subscription was replaced, not stacked.
	if !feed.statusSubs[0].isClosed() {
		t.Fatal("stale status subscription left open after pairing")
	}
}

func TestStatusPushForOtherSessionIgnored(t *testing.T) {
	repo := &fakeAnonRepo{findResult: waitingSession()}
	feed := &fakeFeed{}
	m, _ := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	other := *pairedSession()
	other.ID = uuid.MustParse("00000000-aaaa-4bbb-8ccc-dddddddd0000")
	feed.pushStatus(other)

	if got := m.Status(); got != StatusSearching {
		t.Fatalf("update for an unrelated session changed state: %q", got)
	}
}

func TestEndBySelf(t *testing.T) {
	repo := &fakeAnonRepo{findResult: pairedSession()}
	feed := &fakeFeed{}
	m, log := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}

	if got := log.last(); got != "ended|You ended the chat" {
		t.Fatalf("transition = %q", got)
	}
	if len(repo.ended) != 1 {
		t.Fatal("session not ended against the backend")
	}
	for i, sub := range feed.statusSubs {
		if !sub.isClosed() {
			t.Fatalf("status subscription %d still open after end", i)
		}
	}
	if !feed.msgSubs[0].isClosed() || !feed.typingSubs[0].isClosed() {
		t.Fatal("message/typing subscriptions must be torn down together")
	}
}

func TestPartnerDisconnect(t *testing.T) {
	repo := &fakeAnonRepo{findResult: pairedSession()}
	feed := &fakeFeed{}
	m, log := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	endedBy := partnerID
	ended := *pairedSession()
	ended.Status = domain.SessionEnded
	ended.EndedBy = &endedBy
	feed.pushStatus(ended)

	if got := log.last(); got != "ended|Stranger disconnected" {
		t.Fatalf("transition = %q", got)
	}
	if got := m.Status(); got != StatusEnded {
		t.Fatalf("status = %q, want ended", got)
	}
}

func TestCancelReturnsToIdle(t *testing.T) {
	repo := &fakeAnonRepo{findResult: waitingSession()}
	feed := &fakeFeed{}
	m, _ := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := m.Status(); got != StatusIdle {
		t.Fatalf("status = %q, want idle", got)
	}
	if !feed.statusSubs[0].isClosed() {
		t.Fatal("status subscription left open after cancel")
	}
	if len(repo.ended) != 1 {
		t.Fatal("cancelled search should close the waiting session")
	}
}

func TestSkipEndsAndResearches(t *testing.T) {
	repo := &fakeAnonRepo{findResult: pairedSession()}
	feed := &fakeFeed{}
	m, _ := newTestMachine(t, repo, feed)

	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}

	if repo.findCalls != 2 {
		t.Fatalf("expected a second match attempt, got %d", repo.findCalls)
	}
	if len(slept) != 1 || slept[0] != 500*time.Millisecond {
		t.Fatalf("expected one fixed re-search delay, got %v", slept)
	}
	if got := m.Status(); got != StatusPaired {
		t.Fatalf("status after skip = %q, want paired", got)
	}
}

func TestStartWhileBusy(t *testing.T) {
	repo := &fakeAnonRepo{findResult: waitingSession()}
	feed := &fakeFeed{}
	m, _ := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadySearching) {
		t.Fatalf("expected ErrAlreadySearching, got %v", err)
	}
}

func TestPartialSubscriptionFailureRollsBack(t *testing.T) {
	repo := &fakeAnonRepo{findResult: pairedSession()}
	feed := &fakeFeed{msgSubErr: errors.New("subscribe refused")}
	m, _ := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected pairing to fail when a subscription cannot be established")
	}

	// The status subscription opened for the failed pairing must not leak.
	last := feed.statusSubs[len(feed.statusSubs)-1]
	if !last.isClosed() {
		t.Fatal("partially-established subscription set left open")
	}
}

func TestSendOptimisticFlow(t *testing.T) {
	repo := &fakeAnonRepo{
		findResult: pairedSession(),
		sendMsg:    &domain.Message{ID: 11, SenderID: selfID, Content: "yo", CreatedAt: time.Now()},
	}
	feed := &fakeFeed{}
	m, _ := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	confirmed, err := m.Send(context.Background(), "yo")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if confirmed.ID != 11 {
		t.Fatalf("confirmed id = %d, want 11", confirmed.ID)
	}

	msgs := m.Store().Messages()
	if len(msgs) != 1 || msgs[0].Pending {
		t.Fatalf("expected single confirmed message, got %+v", msgs)
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	repo := &fakeAnonRepo{findResult: pairedSession(), sendErr: errors.New("network down")}
	feed := &fakeFeed{}
	m, _ := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Send(context.Background(), "doomed"); err == nil {
		t.Fatal("expected send error")
	}
	if m.Store().Len() != 0 {
		t.Fatal("failed send left a placeholder behind")
	}
}

func TestSendWithoutPairing(t *testing.T) {
	m, _ := newTestMachine(t, &fakeAnonRepo{}, &fakeFeed{})
	if _, err := m.Send(context.Background(), "hi"); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
}

func TestPushedSelfEchoMergesIntoPlaceholder(t *testing.T) {
	repo := &fakeAnonRepo{findResult: pairedSession(), sendErr: errors.New("slow")}
	feed := &fakeFeed{}
	m, _ := newTestMachine(t, repo, feed)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Seed a pending placeholder directly; the echo arrives via push before
	// the send call would have resolved.
	conv := domain.AnonConversation(pairedSession().ID.String())
	m.Store().AppendOrMerge(domain.NewPlaceholder(time.Now().UnixMilli(), conv, selfID, "hello", nil, time.Now()))

	echo := domain.Message{ID: 20, SenderID: selfID, Content: "hello", CreatedAt: time.Now()}
	feed.pushMessage(domain.FeedEvent{Kind: domain.EventInsert, Table: domain.TableAnonMessages, Message: &echo})

	msgs := m.Store().Messages()
	if len(msgs) != 1 || msgs[0].ID != 20 || msgs[0].Pending {
		t.Fatalf("expected echo to confirm the placeholder, got %+v", msgs)
	}
}
