package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"dayboard/internal/coordinator"
	appLog "dayboard/internal/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleStream sends the current view, then a new one after every change.
// Bursts of changes collapse into a single message with the latest view.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		appLog.Warn("stream: upgrade failed", "err", err.Error())
		return
	}
	defer conn.Close()

	changed := make(chan struct{}, 1)
	unsubscribe := s.agenda.Subscribe(func(coordinator.View) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// The reader only watches for the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	appLog.Debug("stream: client connected", "remote", r.RemoteAddr)
	send := func() bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(s.agenda.View()) == nil
	}
	if !send() {
		return
	}
	for {
		select {
		case <-changed:
			if !send() {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			appLog.Debug("stream: client gone", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
