package pollchat

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/pollchat/internal/fakeserver"
)

// testEnv is a fake chat service with two accounts, alice and bob, and a
// client logged in as alice.
type testEnv struct {
	srv    *fakeserver.Server
	ts     *httptest.Server
	client *Client
	alice  UserID
	bob    UserID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := fakeserver.New(fakeserver.WithSecret("s3cret"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	alice, err := srv.CreateUser("alice", "alice-pw")
	require.NoError(t, err)
	bob, err := srv.CreateUser("bob", "bob-pw")
	require.NoError(t, err)

	client := NewClient(
		WithBaseURL(ts.URL+"/api"),
		WithTokenStore(NewMemoryTokens(Tokens{Access: srv.IssueToken(alice)})),
	)
	return &testEnv{srv: srv, ts: ts, client: client, alice: UserID(alice), bob: UserID(bob)}
}

// slowIntervals keeps the pollers out of the way of tests that drive
// fetches by hand.
func slowIntervals() PollIntervals {
	return PollIntervals{
		Messages:             time.Hour,
		Unread:               time.Hour,
		RosterPresence:       time.Hour,
		ConversationPresence: time.Hour,
	}
}

// stubService is a scripted ConversationService/SidebarSource. Each call is
// recorded; a call with a gate registered blocks until the gate is
// released.
type stubService struct {
	mu       sync.Mutex
	calls    []string
	messages map[UserID][]Message
	block    map[UserID]BlockState
	presence []PresenceRecord
	unread   []UnreadCount
	users    []User
	sendErr  error
	blockErr error
	fail     map[string]error
	gates    map[string][]chan struct{}
	nextID   int64
}

func newStub() *stubService {
	return &stubService{
		messages: map[UserID][]Message{},
		block:    map[UserID]BlockState{},
		fail:     map[string]error{},
		gates:    map[string][]chan struct{}{},
		nextID:   100,
	}
}

// hold makes the next call named name wait until the returned func is
// called.
func (s *stubService) hold(name string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[name] = append(s.gates[name], ch)
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (s *stubService) enter(ctx context.Context, name string) error {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	var gate chan struct{}
	if q := s.gates[name]; len(q) > 0 {
		gate, s.gates[name] = q[0], q[1:]
	}
	err := s.fail[name]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *stubService) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubService) setMessages(peer UserID, msgs []Message) {
	s.mu.Lock()
	s.messages[peer] = msgs
	s.mu.Unlock()
}

func (s *stubService) Messages(ctx context.Context, peer UserID) ([]Message, error) {
	s.mu.Lock()
	snapshot := append([]Message(nil), s.messages[peer]...)
	s.mu.Unlock()
	if err := s.enter(ctx, fmt.Sprintf("messages:%d", peer)); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *stubService) SendMessage(ctx context.Context, receiver UserID, content string) (*Message, error) {
	if err := s.enter(ctx, "send"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.nextID++
	m := Message{ID: s.nextID, Sender: 1, Receiver: receiver, Content: content, Timestamp: "2024-01-01T10:00:00"}
	s.messages[receiver] = append(s.messages[receiver], m)
	return &m, nil
}

func (s *stubService) BlockStatus(ctx context.Context, peer UserID) (BlockState, error) {
	if err := s.enter(ctx, fmt.Sprintf("block:%d", peer)); err != nil {
		return BlockState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block[peer], nil
}

func (s *stubService) Block(ctx context.Context, peer UserID) error {
	if err := s.enter(ctx, "block.create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockErr != nil {
		return s.blockErr
	}
	st := s.block[peer]
	st.BlockedByMe = true
	s.block[peer] = st
	return nil
}

func (s *stubService) Unblock(ctx context.Context, peer UserID) error {
	if err := s.enter(ctx, "block.delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockErr != nil {
		return s.blockErr
	}
	st := s.block[peer]
	st.BlockedByMe = false
	s.block[peer] = st
	return nil
}

func (s *stubService) Presence(ctx context.Context) ([]PresenceRecord, error) {
	s.mu.Lock()
	snapshot := append([]PresenceRecord(nil), s.presence...)
	s.mu.Unlock()
	if err := s.enter(ctx, "presence"); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *stubService) UnreadCounts(ctx context.Context) ([]UnreadCount, error) {
	s.mu.Lock()
	snapshot := append([]UnreadCount(nil), s.unread...)
	s.mu.Unlock()
	if err := s.enter(ctx, "unread"); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *stubService) Users(ctx context.Context) ([]User, error) {
	if err := s.enter(ctx, "users"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]User(nil), s.users...), nil
}

func strptr(s string) *string { return &s }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
