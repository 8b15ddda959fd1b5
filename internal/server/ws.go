package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/pinrelay/internal/protocol"
	"github.com/markus-barta/pinrelay/internal/relay"
)

const (
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// One binary message carries exactly one frame.
	maxMessageSize = protocol.HeaderSize + protocol.MaxBodySize
)

// handleWebSocket serves app sessions over websocket, one frame per binary
// message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := relay.NewSession(s.log, relay.RoleApp, r.RemoteAddr, s.opts.SendBuffer)
	if !s.track(sess) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	// The request context ends with the handler; the session outlives it.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer s.untrack(sess)

		written := make(chan struct{})
		go func() {
			defer close(written)
			s.wsWritePump(conn, sess)
		}()
		s.wsReadPump(ctx, conn, sess)
		s.router.Disconnect(ctx, sess)
		<-written
		_ = conn.Close()
	}()
}

// wsReadPump reads messages from the WebSocket connection.
func (s *Server) wsReadPump(ctx context.Context, conn *websocket.Conn, sess *relay.Session) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && !sess.Closed() {
				log := sess.Logger()
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if typ != websocket.BinaryMessage {
			log := sess.Logger()
			log.Warn().Int("type", typ).Msg("non-binary websocket message, closing")
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			if _, ok := protocol.RejectedID(err); ok {
				s.router.Reject(sess, err)
				continue
			}
			log := sess.Logger()
			log.Warn().Err(err).Msg("undecodable websocket message, closing")
			return
		}
		s.router.Handle(ctx, sess, m)
		if sess.Closed() {
			return
		}
	}
}

// wsWritePump writes queued frames and keeps the connection alive with
// pings. After the session closes it flushes the queue and says goodbye.
func (s *Server) wsWritePump(conn *websocket.Conn, sess *relay.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case m := <-sess.Outbound():
			if err := s.wsWrite(conn, sess, m); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			s.wsDrain(conn, sess)
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close()
				return
			}
		}
	}
}

// wsDrain flushes what is already queued and sends a close frame.
func (s *Server) wsDrain(conn *websocket.Conn, sess *relay.Session) {
	for {
		select {
		case m := <-sess.Outbound():
			if err := s.wsWrite(conn, sess, m); err != nil {
				return
			}
		default:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) wsWrite(conn *websocket.Conn, sess *relay.Session, m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		log := sess.Logger()
		log.Error().Err(err).Str("message", m.String()).Msg("frame not written")
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
