package www

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"node.town/babelfish/broadcast"
	"node.town/babelfish/lang"
	"node.town/babelfish/router"
)

// speakerMessage is what a speaker's browser sends: 16 kHz mono samples.
type speakerMessage struct {
	Audio []int16 `json:"audio"`
}

type statsGreeting struct {
	ListenerStats any `json:"listener_stats"`
}

func (s *Server) handleSpeaker(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade", "error", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With("session", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	original := s.hub.Subscribe(router.SpeakerTopic(sessionID))
	defer original.Close()
	stats := s.hub.Subscribe(router.StatsTopic)
	defer stats.Close()

	s.relay.SpeakerJoined(ctx, sessionID)

	words := 0
	readerDone := make(chan struct{})
	defer func() {
		// no audio may reach the pool after the session is closed
		conn.Close()
		<-readerDone
		s.relay.SpeakerLeft(context.WithoutCancel(ctx), sessionID, words)
	}()

	go func() {
		defer close(readerDone)
		defer cancel()
		s.readSpeaker(ctx, conn, sessionID)
	}()

	greeting, err := json.Marshal(statsGreeting{ListenerStats: s.relay.Stats()})
	if err != nil {
		logger.Error("encode stats", "error", err)
		return
	}
	if err := writeMessage(conn, greeting); err != nil {
		return
	}

	s.pump(ctx, conn, original, stats, func(data []byte) {
		var msg router.OriginalMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			words += len(strings.Fields(msg.Original))
		}
	})
}

func (s *Server) readSpeaker(ctx context.Context, conn *websocket.Conn, sessionID string) {
	prepareRead(conn)
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("speaker read", "session", sessionID, "error", err)
			}
			return
		}

		// a message that does not decode is skipped, the socket stays up
		var msg speakerMessage
		if err := json.NewDecoder(r).Decode(&msg); err != nil {
			s.logger.Warn("bad speaker message", "session", sessionID, "error", err)
			continue
		}
		if err := s.relay.SpeakerAudio(ctx, sessionID, msg.Audio); err != nil {
			s.logger.Warn("send audio", "session", sessionID, "error", err)
		}
	}
}

func (s *Server) handleListener(w http.ResponseWriter, r *http.Request) {
	l := lang.Default
	if name := r.URL.Query().Get("language"); name != "" {
		parsed, err := lang.Parse(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l = parsed
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade", "error", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	translations := s.hub.Subscribe(router.TranslationTopic(l))
	defer translations.Close()

	s.relay.ListenerJoined(ctx, l, sessionID)
	defer s.relay.ListenerLeft(context.WithoutCancel(ctx), l, sessionID)

	go func() {
		defer cancel()
		prepareRead(conn)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.pump(ctx, conn, translations, nil, nil)
}

// pump writes hub messages to conn until ctx is done or a write fails.
// A nil subscription is never ready. seen is called for messages of main.
func (s *Server) pump(
	ctx context.Context,
	conn *websocket.Conn,
	main *broadcast.Subscription,
	extra *broadcast.Subscription,
	seen func([]byte),
) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var extraC <-chan []byte
	if extra != nil {
		extraC = extra.C
	}

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait),
			)
			return
		case data, ok := <-main.C:
			if !ok {
				return
			}
			if seen != nil {
				seen(data)
			}
			if err := writeMessage(conn, data); err != nil {
				return
			}
		case data, ok := <-extraC:
			if !ok {
				return
			}
			if err := writeMessage(conn, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func prepareRead(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func writeMessage(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
