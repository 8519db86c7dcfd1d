package pollchat

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rosterStub() *stubService {
	stub := newStub()
	stub.users = []User{
		{ID: 2, Username: "Bob", LastMessage: strptr("see you"), LastMessageTime: strptr("2024-01-01T18:30:00")},
		{ID: 3, Username: "carol"},
		{ID: 4, Username: "Robert"},
	}
	return stub
}

func usernames(users []User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}

func TestRoster_Filter(t *testing.T) {
	stub := rosterStub()
	stub.users = append(stub.users, User{ID: 5, Username: "carol smith"})
	r := NewRoster(stub)
	require.NoError(t, r.Load(context.Background()))
	assert.True(t, r.Loaded())

	tests := []struct {
		term string
		want []string
	}{
		{"", []string{"Bob", "carol", "Robert", "carol smith"}},
		{"bo", []string{"Bob"}},
		{"OB", []string{"Bob", "Robert"}},
		{"CAROL", []string{"carol", "carol smith"}},
		{"carol ", []string{"carol smith"}},
		{" ", []string{"carol smith"}},
		{"  car ", []string{}},
		{"zed", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			assert.Equal(t, tt.want, usernames(r.Filter(tt.term)))
		})
	}
}

func TestRoster_Lookup(t *testing.T) {
	r := NewRoster(rosterStub())
	require.NoError(t, r.Load(context.Background()))

	u, ok := r.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, "carol", u.Username)

	u, ok = r.FindByName("bob")
	require.True(t, ok)
	assert.Equal(t, UserID(2), u.ID)
	assert.Equal(t, "see you", u.Preview())
	assert.Equal(t, "6:30 PM", u.PreviewTime())

	_, ok = r.Lookup(99)
	assert.False(t, ok)
}

func TestSidebar_StartAndEntries(t *testing.T) {
	stub := rosterStub()
	stub.presence = []PresenceRecord{{ID: 2, Online: true}, {ID: 3, Online: false}}
	stub.unread = []UnreadCount{{UserID: 3, Count: 2}}

	sched := NewScheduler(zerolog.Nop())
	defer sched.Close()
	s := NewSidebar(stub, sched, WithPollIntervals(slowIntervals()))
	s.Start(context.Background())

	assert.Equal(t, []string{"users", "presence", "unread"}, stub.Calls())
	assert.True(t, sched.Running(TaskSidebarPresence))
	assert.True(t, sched.Running(TaskSidebarUnread))

	entries := s.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, SidebarEntry{User: stub.users[0], Online: true}, entries[0])
	assert.Equal(t, 2, entries[1].Unread)

	carol := stub.users[1]
	s.Select(&carol)
	assert.Equal(t, UserID(3), s.Selected())
	entries = s.Entries()
	assert.True(t, entries[1].Active)
	assert.Equal(t, 0, entries[1].Unread)

	s.SetSearch("rob")
	entries = s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Robert", entries[0].User.Username)

	s.Stop()
	assert.False(t, sched.Running(TaskSidebarPresence))
	assert.False(t, sched.Running(TaskSidebarUnread))
	assert.Empty(t, s.Entries())
	assert.Equal(t, UserID(0), s.Selected())
}

func TestSidebar_DirectoryFailureStillPolls(t *testing.T) {
	stub := rosterStub()
	stub.fail["users"] = assert.AnError

	sched := NewScheduler(zerolog.Nop())
	defer sched.Close()
	s := NewSidebar(stub, sched, WithPollIntervals(slowIntervals()))
	s.Start(context.Background())

	assert.False(t, s.Roster.Loaded())
	assert.Empty(t, s.Entries())
	assert.True(t, sched.Running(TaskSidebarPresence))
}
