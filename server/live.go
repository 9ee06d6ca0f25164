package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	liveBuffer = 64
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleLive streams the message log over a websocket: the current backlog
// first, then every new message
func (s *APIServer) handleLive(w http.ResponseWriter, r *http.Request) {
	// subscribe before reading the backlog so no message falls in between
	msgs, stop := s.board.Messages().Subscribe(liveBuffer)
	defer stop()
	backlog := s.board.Messages().List()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	// the reader only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var last uint64
	for _, m := range backlog {
		if err := s.writeLive(conn, m); err != nil {
			return
		}
		last = m.Seq
	}

	for {
		select {
		case <-closed:
			return
		case <-s.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if m.Seq <= last {
				continue
			}
			if err := s.writeLive(conn, m); err != nil {
				return
			}
			last = m.Seq
		}
	}
}

func (s *APIServer) writeLive(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		log.Debugw("live stream closed", "error", err)
		return err
	}
	return nil
}
