package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/vibeyard/internal/broadcast"
	"github.com/zulandar/vibeyard/internal/orchestrator"
)

const (
	viewerSendBuffer = 256
	wsWriteTimeout   = 10 * time.Second
	wsMaxMessageSize = 4096
	wsControlBuffer  = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket subscribes a WebSocket viewer to the conversation's
// events. A text frame "ping" is answered with "pong".
func handleWebSocket(m *orchestrator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		o := conversation(c, m)
		if o == nil {
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("server: %s: websocket upgrade: %v", o.ID(), err)
			return
		}

		l := broadcast.NewChanListener(uuid.NewString(), viewerSendBuffer)
		control := make(chan []byte, wsControlBuffer)
		go writePump(conn, l, control)
		o.Subscribe(c.Request.Context(), l)
		log.Printf("server: %s: viewer %s attached (%d total)", o.ID(), l.ID(), o.Hub().Count())

		readLoop(conn, l, control)
		o.Unsubscribe(l.ID())
		log.Printf("server: %s: viewer %s detached", o.ID(), l.ID())
	}
}

// readLoop consumes client frames until the connection fails or the
// listener is closed. Replies go to control, which the write pump drains
// ahead of events.
func readLoop(conn *websocket.Conn, l *broadcast.ChanListener, control chan<- []byte) {
	conn.SetReadLimit(wsMaxMessageSize)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("server: websocket read: %v", err)
			}
			return
		}
		if msgType == websocket.TextMessage && string(data) == "ping" {
			select {
			case control <- []byte("pong"):
			case <-l.Done():
				return
			}
		}
		select {
		case <-l.Done():
			return
		default:
		}
	}
}

// writePump drains control replies and then the listener into the
// connection. It is the only goroutine writing to conn.
func writePump(conn *websocket.Conn, l *broadcast.ChanListener, control <-chan []byte) {
	defer conn.Close()
	write := func(data []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("server: viewer %s write failed: %v", l.ID(), err)
			l.Close()
			return false
		}
		return true
	}
	for {
		select {
		case data := <-control:
			if !write(data) {
				return
			}
			continue
		default:
		}

		select {
		case data := <-control:
			if !write(data) {
				return
			}
		case data := <-l.C():
			if !write(data) {
				return
			}
		case <-l.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "conversation closed"))
			return
		}
	}
}
