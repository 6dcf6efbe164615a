package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type subscriber struct {
	conn *websocket.Conn
	out  chan []byte
}

// HandleWebSocket upgrades the request and streams hub events to it until
// either side goes away.
func (s *Server) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorf("Failed to upgrade WebSocket connection: %v", err)
		return
	}

	sub := &subscriber{conn: conn, out: make(chan []byte, subscriberBuffer)}
	if !s.wsHub.subscribe(sub) {
		_ = conn.Close()
		return
	}
	s.logger.Debugf("WebSocket client connected. Total clients: %d", s.wsHub.Subscribers())

	go s.pushEvents(sub)
	go s.awaitClose(sub)
}

// awaitClose discards client frames; the read loop only exists to process
// pongs and notice the close.
func (s *Server) awaitClose(sub *subscriber) {
	defer func() {
		s.wsHub.unsubscribe(sub)
		_ = sub.conn.Close()
		s.logger.Debugf("WebSocket client disconnected. Total clients: %d", s.wsHub.Subscribers())
	}()

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debugf("WebSocket error: %v", err)
			}
			return
		}
	}
}

// pushEvents writes queued events as text frames, coalescing whatever is
// already buffered into one frame with one document per line.
func (s *Server) pushEvents(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sub.out:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := writeFrame(sub, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(sub *subscriber, first []byte) error {
	w, err := sub.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	_, _ = w.Write(first)

	for n := len(sub.out); n > 0; n-- {
		next, ok := <-sub.out
		if !ok {
			break
		}
		_, _ = w.Write([]byte{'\n'})
		_, _ = w.Write(next)
	}
	return w.Close()
}
