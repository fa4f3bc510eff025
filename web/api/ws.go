package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vibehq/agent-orchestrator/internal/streamhub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API already answers any origin; the socket follows suit.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what subscribers send: subscribe to an instance or
// generation id, or unsubscribe from the current one.
type clientMessage struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
}

// wsConn adapts one websocket to the hub's Conn interface. gorilla
// allows a single concurrent writer, so sends are serialized here.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(msg streamhub.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade: %v", err)
		return
	}

	client := &wsConn{conn: conn}
	defer func() {
		s.hub.Unsubscribe(client)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.Send(streamhub.NewError("invalid message format"))
			continue
		}

		switch {
		case msg.Type == "subscribe" && msg.InstanceID != "":
			if err := s.hub.Subscribe(client, msg.InstanceID); err != nil {
				log.Printf("[api] subscribe %s: %v", msg.InstanceID, err)
			}
		case msg.Type == "unsubscribe":
			s.hub.Unsubscribe(client)
		default:
			client.Send(streamhub.NewError("invalid message format"))
		}
	}
}
