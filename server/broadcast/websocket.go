package broadcast

import (
	"time"

	"github.com/gorilla/websocket"
)

const webSocketWriteTimeout = 5 * time.Second

// WebSocketSink writes broadcast messages to a websocket client as text frames
type WebSocketSink struct {
	conn *websocket.Conn
}

func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func (s *WebSocketSink) Write(msg Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(webSocketWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, msg.Payload)
}

func (s *WebSocketSink) Close() error {
	return s.conn.Close()
}

// ServeWebSocket subscribes conn to the hub, and blocks until the client goes away.
// We read from the websocket only to detect closure. Anything the client sends is ignored.
func (h *Hub) ServeWebSocket(name string, conn *websocket.Conn) {
	unsubscribe := h.Subscribe(name, NewWebSocketSink(conn))
	defer unsubscribe()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
