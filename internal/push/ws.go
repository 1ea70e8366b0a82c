package push

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// ServerOptions tune the WS endpoint. Zero values fall back to
// defaults suitable for proxied connections.
type ServerOptions struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

func (o *ServerOptions) withDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Handler upgrades HTTP requests to WebSocket sessions attached to the
// hub. The caller resolves the user before this handler runs and passes
// it via the userID func.
func Handler(hub *Hub, userID func(*http.Request) string, opts ServerOptions, logger zerolog.Logger) http.Handler {
	opts.withDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userID(r)
		if user == "" {
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}

		session, detach := hub.Connect(user)
		go writePump(conn, session, opts, logger)
		go readPump(conn, detach, opts, logger)
	})
}

// writePump serializes hub messages onto the wire and keeps the
// connection alive with pings.
func writePump(conn *websocket.Conn, session *Session, opts ServerOptions, logger zerolog.Logger) {
	ticker := time.NewTicker(opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-session.Done():
			conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case msg := <-session.Receive():
			conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug().Err(err).Str("session", session.ID).Msg("write failed, closing session")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed and
// detaches the session when the peer goes away.
func readPump(conn *websocket.Conn, detach func(), opts ServerOptions, logger zerolog.Logger) {
	defer func() {
		detach()
		conn.Close()
	}()

	wait := opts.HeartbeatInterval * 2
	conn.SetReadLimit(1 << 16)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wait))
	}
}
