package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// handleStream pushes the raw cache document every time the file changes.
// The client needs nothing but a websocket; the poller stays unaware of it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("stream client connected")
	defer logger.Info().Msg("stream client disconnected")

	// reads only to notice the close frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var last time.Time
	send := func() bool {
		mod, err := s.store.DataModTime()
		if err != nil || !mod.After(last) {
			return true
		}
		raw := s.readRaw()
		if raw == nil {
			return true
		}
		last = mod
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(raw); err != nil {
			logger.Debug().Err(err).Msg("stream write failed")
			return false
		}
		return true
	}

	if !send() {
		return
	}
	ticker := time.NewTicker(s.config.StreamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage, closeMessage(), time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

// closeMessage is sent on orderly shutdown of a stream
func closeMessage() []byte {
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}
