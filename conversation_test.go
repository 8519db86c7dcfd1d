package pollchat

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	bob   = User{ID: 2, Username: "bob"}
	carol = User{ID: 3, Username: "carol"}
)

func newTestConversation(t *testing.T, stub *stubService, opts ...Option) (*Conversation, *Scheduler) {
	t.Helper()
	sched := NewScheduler(zerolog.Nop())
	t.Cleanup(sched.Close)
	opts = append([]Option{WithPollIntervals(slowIntervals())}, opts...)
	return NewConversation(stub, 1, sched, opts...), sched
}

func msg(id int64, from, to UserID, content string) Message {
	return Message{ID: id, Sender: from, Receiver: to, Content: content, Timestamp: "2024-01-01T10:00:00"}
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestConversation_SelectBootstrapsInOrder(t *testing.T) {
	stub := newStub()
	stub.setMessages(2, []Message{msg(1, 2, 1, "hi"), msg(2, 1, 2, "hello")})
	stub.presence = []PresenceRecord{{ID: 2, Online: true}}
	c, sched := newTestConversation(t, stub)

	c.Select(context.Background(), &bob)

	assert.Equal(t, []string{"messages:2", "block:2", "presence"}, stub.Calls())
	assert.Equal(t, []string{"hi", "hello"}, contents(c.Messages()))
	last, ok := c.LastMessageID()
	assert.True(t, ok)
	assert.Equal(t, int64(2), last)
	assert.Equal(t, "Online", c.Status())
	assert.True(t, sched.Running(TaskConversationMessages))
	assert.True(t, sched.Running(TaskConversationPresence))
}

func TestConversation_BootstrapFailureContinues(t *testing.T) {
	stub := newStub()
	stub.fail["messages:2"] = errors.New("boom")
	stub.block[2] = BlockState{BlockedMe: true}
	c, sched := newTestConversation(t, stub)

	c.Select(context.Background(), &bob)

	assert.Equal(t, []string{"messages:2", "block:2", "presence"}, stub.Calls())
	assert.Empty(t, c.Messages())
	assert.True(t, c.Block().BlockedMe)
	assert.True(t, sched.Running(TaskConversationMessages), "polling retries the failed fetch")
}

func TestConversation_SelectNilClears(t *testing.T) {
	stub := newStub()
	stub.setMessages(2, []Message{msg(1, 2, 1, "hi")})
	c, sched := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	calls := len(stub.Calls())
	c.Select(context.Background(), nil)

	assert.Len(t, stub.Calls(), calls, "no fetch without a peer")
	assert.Nil(t, c.Peer())
	assert.Empty(t, c.Messages())
	_, ok := c.LastMessageID()
	assert.False(t, ok)
	assert.False(t, sched.Running(TaskConversationMessages))
	assert.False(t, sched.Running(TaskConversationPresence))
	assert.False(t, c.InputEnabled())
}

func TestConversation_SwitchClearsBeforeFetching(t *testing.T) {
	stub := newStub()
	stub.setMessages(2, []Message{msg(1, 2, 1, "for alice from bob")})
	stub.block[2] = BlockState{BlockedByMe: true}
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	release := stub.hold("messages:3")
	done := make(chan struct{})
	go func() {
		c.Select(context.Background(), &carol)
		close(done)
	}()
	waitFor(t, func() bool {
		calls := stub.Calls()
		return calls[len(calls)-1] == "messages:3"
	})

	v := c.View()
	assert.Equal(t, "carol", v.Peer.Username)
	assert.Empty(t, v.Messages, "previous conversation is gone before the new fetch resolves")
	assert.Equal(t, BlockState{}, v.Block)

	release()
	<-done
}

func TestConversation_LateResponseForPreviousPeerDropped(t *testing.T) {
	stub := newStub()
	stub.setMessages(2, []Message{msg(1, 2, 1, "bob says hi")})
	stub.setMessages(3, []Message{msg(2, 3, 1, "carol says hi")})
	stub.block[2] = BlockState{BlockedMe: true}
	c, sched := newTestConversation(t, stub)

	release := stub.hold("messages:2")
	done := make(chan struct{})
	go func() {
		c.Select(context.Background(), &bob)
		close(done)
	}()
	waitFor(t, func() bool { return len(stub.Calls()) == 1 })

	c.Select(context.Background(), &carol)
	release()
	<-done

	assert.Equal(t, []string{"carol says hi"}, contents(c.Messages()))
	assert.Equal(t, "carol", c.Peer().Username)
	assert.False(t, c.Block().BlockedMe, "bob's block state never lands on carol")
	assert.NotContains(t, stub.Calls(), "block:2", "abandoned bootstrap stops after its fetch resolves")
	assert.True(t, sched.Running(TaskConversationMessages))
}

func TestConversation_PollsApplyInIssueOrder(t *testing.T) {
	stub := newStub()
	stub.setMessages(2, []Message{msg(1, 2, 1, "one")})
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	release := stub.hold("messages:2")
	done := make(chan error, 1)
	go func() { done <- c.RefreshMessages(context.Background()) }()
	waitFor(t, func() bool { return len(stub.Calls()) == 4 })

	stub.setMessages(2, []Message{msg(1, 2, 1, "one"), msg(2, 2, 1, "two")})
	require.NoError(t, c.RefreshMessages(context.Background()))
	assert.Equal(t, []string{"one", "two"}, contents(c.Messages()))

	release()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"one", "two"}, contents(c.Messages()), "older poll resolving last is dropped")
}

func TestConversation_PollingRefreshes(t *testing.T) {
	stub := newStub()
	sched := NewScheduler(zerolog.Nop())
	t.Cleanup(sched.Close)
	c := NewConversation(stub, 1, sched, WithPollIntervals(PollIntervals{
		Messages:             10 * time.Millisecond,
		ConversationPresence: time.Hour,
	}))
	c.Select(context.Background(), &bob)

	stub.setMessages(2, []Message{msg(5, 2, 1, "new")})
	waitFor(t, func() bool { return len(c.Messages()) == 1 })
}

func TestConversation_Send(t *testing.T) {
	stub := newStub()
	stub.setMessages(2, []Message{msg(1, 2, 1, "hi")})
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	sent, err := c.Send(context.Background(), "hello bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", sent.Content)
	assert.Equal(t, []string{"hi", "hello bob"}, contents(c.Messages()))
	last, _ := c.LastMessageID()
	assert.Equal(t, sent.ID, last)

	require.NoError(t, c.RefreshMessages(context.Background()))
	assert.Equal(t, []string{"hi", "hello bob"}, contents(c.Messages()), "confirmed by the next poll without duplication")
}

func TestConversation_SendSurvivesEarlierPoll(t *testing.T) {
	stub := newStub()
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	release := stub.hold("messages:2")
	done := make(chan error, 1)
	go func() { done <- c.RefreshMessages(context.Background()) }()
	waitFor(t, func() bool { return len(stub.Calls()) == 4 })

	_, err := c.Send(context.Background(), "fresh")
	require.NoError(t, err)

	release()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"fresh"}, contents(c.Messages()))
}

func TestConversation_SendRejectedLocally(t *testing.T) {
	stub := newStub()
	stub.block[2] = BlockState{BlockedByMe: true}
	c, _ := newTestConversation(t, stub)

	_, err := c.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoConversation)

	c.Select(context.Background(), &bob)

	_, err = c.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = c.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrBlocked)

	assert.NotContains(t, stub.Calls(), "send")
}

func TestConversation_SendAfterSwitchNotApplied(t *testing.T) {
	stub := newStub()
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	release := stub.hold("send")
	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "for bob")
		done <- err
	}()
	waitFor(t, func() bool {
		calls := stub.Calls()
		return calls[len(calls)-1] == "send"
	})

	c.Select(context.Background(), &carol)
	release()
	require.NoError(t, <-done)
	assert.Empty(t, c.Messages())
}

func TestConversation_Submit(t *testing.T) {
	stub := newStub()
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	t.Run("failure keeps the draft", func(t *testing.T) {
		stub.sendErr = &APIError{StatusCode: 500, Detail: "server error"}
		c.SetDraft("retry me")
		_, err := c.Submit(context.Background())
		require.Error(t, err)
		assert.Equal(t, "retry me", c.Draft())
		assert.Empty(t, c.Messages())
	})

	t.Run("success clears the draft", func(t *testing.T) {
		stub.sendErr = nil
		_, err := c.Submit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "", c.Draft())
		assert.Equal(t, []string{"retry me"}, contents(c.Messages()))
	})
}

func TestConversation_ToggleBlock(t *testing.T) {
	stub := newStub()
	c, _ := newTestConversation(t, stub)

	assert.ErrorIs(t, c.ToggleBlock(context.Background()), ErrNoConversation)

	c.Select(context.Background(), &bob)
	assert.Equal(t, "Block", c.BlockLabel())

	require.NoError(t, c.ToggleBlock(context.Background()))
	assert.True(t, c.Block().BlockedByMe)
	assert.Equal(t, "Unblock", c.BlockLabel())
	assert.False(t, c.InputEnabled())
	assert.Equal(t, PlaceholderBlocked, c.InputPlaceholder())

	require.NoError(t, c.ToggleBlock(context.Background()))
	assert.False(t, c.Block().BlockedByMe)
	assert.True(t, c.InputEnabled())
	assert.Equal(t, PlaceholderEnabled, c.InputPlaceholder())

	calls := stub.Calls()
	assert.Equal(t, []string{"block.create", "block.delete"}, calls[len(calls)-2:])
}

func TestConversation_ToggleBlockFailureKeepsState(t *testing.T) {
	stub := newStub()
	stub.blockErr = &APIError{StatusCode: 500}
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	require.Error(t, c.ToggleBlock(context.Background()))
	assert.False(t, c.Block().BlockedByMe)
}

func TestConversation_ToggleBlockRefusedWhenBlockedByPeer(t *testing.T) {
	stub := newStub()
	stub.block[2] = BlockState{BlockedMe: true}
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	assert.False(t, c.CanToggleBlock())
	assert.ErrorIs(t, c.ToggleBlock(context.Background()), ErrBlockedByPeer)
	assert.NotContains(t, stub.Calls(), "block.create")
	assert.Equal(t, "This user has blocked you", c.Status())
}

func TestConversation_Close(t *testing.T) {
	stub := newStub()
	c, sched := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	c.Close()
	assert.False(t, sched.Running(TaskConversationMessages))

	calls := len(stub.Calls())
	c.Select(context.Background(), &carol)
	assert.Len(t, stub.Calls(), calls)
}

func TestStatusText(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	seen := now.Add(-5 * time.Minute).Format("2006-01-02T15:04:05")

	tests := []struct {
		name     string
		block    BlockState
		presence *PresenceRecord
		want     string
	}{
		{"blocked by me wins", BlockState{BlockedByMe: true, BlockedMe: true}, &PresenceRecord{Online: true}, "You blocked this user"},
		{"blocked by peer", BlockState{BlockedMe: true}, &PresenceRecord{Online: true}, "This user has blocked you"},
		{"online", BlockState{}, &PresenceRecord{Online: true}, "Online"},
		{"last seen", BlockState{}, &PresenceRecord{LastSeen: &seen}, "Last seen 5 min ago"},
		{"offline without last seen", BlockState{}, &PresenceRecord{}, "Offline"},
		{"unknown", BlockState{}, nil, "Offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusText(tt.block, tt.presence, now))
		})
	}
}

func TestConversation_View(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	seen := now.Add(-2 * time.Hour).Format("2006-01-02T15:04:05")

	stub := newStub()
	stub.presence = []PresenceRecord{{ID: 2, LastSeen: &seen}}
	c, _ := newTestConversation(t, stub, WithClock(func() time.Time { return now }))
	c.Select(context.Background(), &bob)
	c.SetDraft("typing")

	v := c.View()
	assert.Equal(t, "Last seen 2 hrs ago", v.Status)
	assert.True(t, v.InputEnabled)
	assert.Equal(t, PlaceholderEnabled, v.Placeholder)
	assert.Equal(t, "Block", v.BlockLabel)
	assert.True(t, v.CanToggle)
	assert.Equal(t, "typing", v.Draft)
	require.NotNil(t, v.Presence)
}

func TestConversation_GatedUntilBlockStatusLoads(t *testing.T) {
	stub := newStub()
	c, _ := newTestConversation(t, stub)

	release := stub.hold("block:2")
	done := make(chan struct{})
	go func() {
		c.Select(context.Background(), &bob)
		close(done)
	}()
	waitFor(t, func() bool {
		calls := stub.Calls()
		return len(calls) > 0 && calls[len(calls)-1] == "block:2"
	})

	v := c.View()
	assert.False(t, v.BlockKnown)
	assert.False(t, v.InputEnabled)
	assert.False(t, v.CanToggle)
	assert.False(t, c.InputEnabled())
	assert.False(t, c.CanToggleBlock())

	release()
	<-done
	assert.True(t, c.InputEnabled())
	assert.True(t, c.CanToggleBlock())
}

func TestConversation_SendLoadsMissingBlockStatus(t *testing.T) {
	stub := newStub()
	stub.fail["block:2"] = errors.New("boom")
	c, _ := newTestConversation(t, stub)
	c.Select(context.Background(), &bob)

	assert.False(t, c.InputEnabled())

	_, err := c.Send(context.Background(), "hi")
	require.Error(t, err, "status still unavailable")
	assert.NotContains(t, stub.Calls(), "send")

	stub.mu.Lock()
	delete(stub.fail, "block:2")
	stub.block[2] = BlockState{BlockedMe: true}
	stub.mu.Unlock()

	_, err = c.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrBlocked)
	assert.NotContains(t, stub.Calls(), "send")
	assert.ErrorIs(t, c.ToggleBlock(context.Background()), ErrBlockedByPeer)
	assert.NotContains(t, stub.Calls(), "block.create")
}

func TestConversation_MessagePollRetriesBlockStatus(t *testing.T) {
	stub := newStub()
	stub.fail["block:2"] = errors.New("boom")
	c, _ := newTestConversation(t, stub, WithPollIntervals(PollIntervals{
		Messages:             5 * time.Millisecond,
		ConversationPresence: time.Hour,
	}))
	c.Select(context.Background(), &bob)
	require.False(t, c.InputEnabled())

	stub.mu.Lock()
	delete(stub.fail, "block:2")
	stub.mu.Unlock()

	waitFor(t, c.InputEnabled)
	assert.True(t, c.View().BlockKnown)
}
