package fakeserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

type envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// handleStream upgrades to the change feed. The first frame is always
// "authenticated"; afterwards the server pushes message.new for the
// subscriber's own messages and presence.changed for everyone.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	s.mu.Lock()
	id, ok := s.tokens[token]
	var username string
	if ok {
		username = s.users[id].username
		s.users[id].lastSeen = s.now()
	}
	s.mu.Unlock()

	if !ok {
		detail(w, http.StatusUnauthorized, "Given token not valid for any token type")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := conn.CloseRead(r.Context())

	if err := s.send(ctx, conn, envelope{
		Type:    "authenticated",
		Payload: map[string]interface{}{"id": id, "username": username},
	}); err != nil {
		return
	}

	s.mu.Lock()
	s.subs[conn] = id
	s.mu.Unlock()
	s.publishPresence(id, true)

	<-ctx.Done()

	s.mu.Lock()
	delete(s.subs, conn)
	s.mu.Unlock()
	s.publishPresence(id, false)
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) fanout(env envelope, match func(subscriber int64) bool) {
	s.mu.Lock()
	var targets []*websocket.Conn
	for conn, uid := range s.subs {
		if match(uid) {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range targets {
		if err := s.send(context.Background(), conn, env); err != nil {
			s.logger.Debug().Err(err).Str("type", env.Type).Msg("stream write")
		}
	}
}

func (s *Server) broadcast(m *message) {
	s.fanout(envelope{
		Type: "message.new",
		Payload: map[string]int64{
			"id":       m.id,
			"sender":   m.sender,
			"receiver": m.receiver,
		},
	}, func(uid int64) bool { return uid == m.sender || uid == m.receiver })
}

func (s *Server) publishPresence(id int64, online bool) {
	s.fanout(envelope{
		Type:    "presence.changed",
		Payload: map[string]interface{}{"id": id, "online": online},
	}, func(uid int64) bool { return uid != id })
}
