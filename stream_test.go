package pollchat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnector_Backoff(t *testing.T) {
	r := newReconnector(&StreamConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})

	d0 := r.nextDelay()
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.Less(t, d0, 150*time.Millisecond)

	d1 := r.nextDelay()
	assert.GreaterOrEqual(t, d1, 200*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.LessOrEqual(t, r.nextDelay(), time.Second)
	}
	assert.False(t, r.shouldReconnect())

	r.reset()
	assert.True(t, r.shouldReconnect())
}

func TestStreamClient_ConnectRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.client.Tokens().SetTokens(Tokens{Access: "bogus"}))

	s := env.client.NewStream(StreamConfig{})
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestStreamClient_ReceivesEvents(t *testing.T) {
	env := newTestEnv(t)
	s := env.client.NewStream(StreamConfig{HeartbeatInterval: time.Hour})

	connected := make(chan struct{}, 1)
	got := make(chan MessageNewPayload, 1)
	generic := make(chan string, 1)
	s.OnConnected(func() { connected <- struct{}{} })
	s.OnMessageNew(func(p MessageNewPayload) { got <- p })
	s.On("message.new", func(eventType string, _ json.RawMessage) { generic <- eventType })

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()
	assert.Equal(t, StateConnected, s.State())
	<-connected

	id := env.srv.PostMessage(int64(env.bob), int64(env.alice), "hello")

	select {
	case p := <-got:
		assert.Equal(t, id, p.ID)
		assert.Equal(t, env.bob, p.Sender)
		assert.Equal(t, env.alice, p.Receiver)
	case <-time.After(2 * time.Second):
		t.Fatal("no message.new event")
	}
	assert.Equal(t, "message.new", <-generic)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestStreamConfig_DefaultAttemptCap(t *testing.T) {
	env := newTestEnv(t)
	s := env.client.NewStream(StreamConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})

	assert.Equal(t, 10, s.config.MaxReconnectAttempts)
	for i := 0; i < 10; i++ {
		require.True(t, s.recon.shouldReconnect(), "attempt %d", i)
		s.recon.nextDelay()
	}
	assert.False(t, s.recon.shouldReconnect())
}
