package pollchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/pollchat/internal/fakeserver"
)

func startApp(t *testing.T, env *testEnv) *App {
	t.Helper()
	app := NewApp(env.client, WithPollIntervals(slowIntervals()))
	t.Cleanup(app.Close)
	require.NoError(t, app.Start(context.Background()))
	return app
}

func paths(reqs []fakeserver.Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		p := r.Method + " " + r.Path
		if r.Query != "" {
			p += "?" + r.Query
		}
		out = append(out, p)
	}
	return out
}

func TestApp_Start(t *testing.T) {
	env := newTestEnv(t)
	app := startApp(t, env)

	require.NotNil(t, app.Me())
	assert.Equal(t, "alice", app.Me().Username)
	assert.NotNil(t, app.Conversation())
	assert.Equal(t, []string{
		"GET /me/",
		"GET /users/",
		"GET /presence/",
		"GET /chat/unread_counts/",
	}, paths(env.srv.Requests()))

	entries := app.Sidebar().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].User.Username)
	assert.True(t, app.Scheduler().Running(TaskSidebarPresence))
	assert.True(t, app.Scheduler().Running(TaskSidebarUnread))
}

func TestApp_StartWithRejectedTokenLogsOut(t *testing.T) {
	env := newTestEnv(t)
	env.srv.RevokeTokens(int64(env.alice))

	app := NewApp(env.client, WithPollIntervals(slowIntervals()))
	defer app.Close()

	var loggedOut bool
	app.Events().On(EventSessionLogout, func(string, any) { loggedOut = true })

	err := app.Start(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)
	assert.True(t, loggedOut)
	assert.Empty(t, env.client.Tokens().AccessToken())
	assert.Nil(t, app.Me())
	assert.Empty(t, app.Scheduler().Names())
}

func TestApp_StartServerErrorKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Fail("GET", "/me/", 500, 1)

	app := NewApp(env.client, WithPollIntervals(slowIntervals()))
	defer app.Close()

	err := app.Start(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLoggedOut)
	assert.NotEmpty(t, env.client.Tokens().AccessToken())
}

func TestApp_SelectUser(t *testing.T) {
	env := newTestEnv(t)
	env.srv.PostMessage(int64(env.bob), int64(env.alice), "ping")
	app := startApp(t, env)

	require.Equal(t, 1, app.Sidebar().Unread.Count(env.bob))
	users := app.Sidebar().Roster.Users()
	require.Len(t, users, 1)

	env.srv.ResetRequests()
	require.NoError(t, app.SelectUser(context.Background(), &users[0]))

	assert.Equal(t, 0, app.Sidebar().Unread.Count(env.bob))
	assert.Equal(t, []string{
		"GET /chat/messages/?user_id=2",
		"GET /chat/block/status/?user_id=2",
		"GET /presence/",
	}, paths(env.srv.Requests()))

	conv := app.Conversation()
	assert.Equal(t, []string{"ping"}, contents(conv.Messages()))
	assert.Equal(t, "Offline", conv.Status())

	_, err := conv.Send(context.Background(), "pong")
	require.NoError(t, err)
	msgs, err := env.client.Messages(context.Background(), env.bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"ping", "pong"}, contents(msgs))
}

func TestApp_SelectUserZeroesUnreadBeforeFetching(t *testing.T) {
	env := newTestEnv(t)
	env.srv.PostMessage(int64(env.bob), int64(env.alice), "ping")
	app := startApp(t, env)
	require.Equal(t, 1, app.Sidebar().Unread.Count(env.bob))

	var badge []int
	app.Events().On(EventUnreadUpdated, func(string, any) {
		badge = append(badge, app.Sidebar().Unread.Count(env.bob))
	})

	env.srv.ResetRequests()
	env.srv.Delay("GET", "/chat/messages/", time.Second, 1)
	users := app.Sidebar().Roster.Users()
	done := make(chan error, 1)
	go func() { done <- app.SelectUser(context.Background(), &users[0]) }()

	waitFor(t, func() bool { return len(env.srv.Requests()) > 0 })
	assert.Equal(t, []string{"GET /chat/messages/?user_id=2"}, paths(env.srv.Requests()))
	assert.Equal(t, 0, app.Sidebar().Unread.Count(env.bob), "badge cleared while the first fetch is in flight")
	assert.Equal(t, 0, app.Sidebar().Entries()[0].Unread)
	assert.True(t, app.Sidebar().Entries()[0].Active)
	assert.Empty(t, app.Conversation().Messages())

	require.NoError(t, <-done)
	assert.Equal(t, []string{"ping"}, contents(app.Conversation().Messages()))
	require.NotEmpty(t, badge)
	assert.Equal(t, 0, badge[0])
}

func TestApp_BlockedConversationSendsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetBlock(int64(env.bob), int64(env.alice), true)
	app := startApp(t, env)

	users := app.Sidebar().Roster.Users()
	require.NoError(t, app.SelectUser(context.Background(), &users[0]))

	conv := app.Conversation()
	v := conv.View()
	assert.Equal(t, "This user has blocked you", v.Status)
	assert.False(t, v.InputEnabled)
	assert.Equal(t, PlaceholderBlocked, v.Placeholder)
	assert.False(t, v.CanToggle)

	env.srv.ResetRequests()
	_, err := conv.Send(context.Background(), "hello?")
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Empty(t, env.srv.Requests())
}

func TestApp_Logout(t *testing.T) {
	env := newTestEnv(t)
	app := startApp(t, env)

	users := app.Sidebar().Roster.Users()
	require.NoError(t, app.SelectUser(context.Background(), &users[0]))

	app.Logout()
	assert.Nil(t, app.Me())
	assert.Nil(t, app.Conversation())
	assert.Empty(t, app.Scheduler().Names())
	assert.Empty(t, env.client.Tokens().AccessToken())
	assert.Error(t, app.SelectUser(context.Background(), &users[0]))
}

func TestApp_StreamTriggersRefresh(t *testing.T) {
	env := newTestEnv(t)
	app := startApp(t, env)

	users := app.Sidebar().Roster.Users()
	require.NoError(t, app.SelectUser(context.Background(), &users[0]))
	require.NoError(t, app.AttachStream(context.Background(), StreamConfig{HeartbeatInterval: time.Hour}))

	env.srv.PostMessage(int64(env.bob), int64(env.alice), "pushed")
	waitFor(t, func() bool {
		return len(app.Conversation().Messages()) == 1
	})
	assert.Equal(t, "pushed", app.Conversation().Messages()[0].Content)
}
