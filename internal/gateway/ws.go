package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 16
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// streamBridge serves /ws: clients subscribe to a session's active stream
// and receive its events in order, history first.
type streamBridge struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newStreamBridge() http.Handler {
	return &streamBridge{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// The engine binds to loopback; the desktop tool is the only
				// expected client.
				return true
			},
		},
	}
}

// wsFrame is the single frame shape in both directions.
type wsFrame struct {
	Type      string              `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	TaskID    string              `json:"task_id,omitempty"`
	Event     *models.StreamEvent `json:"event,omitempty"`
	Error     *apiError           `json:"error,omitempty"`
}

func (h *streamBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		bridge: h,
		conn:   conn,
		send:   make(chan *wsFrame, wsSendBuffer),
		closed: make(chan struct{}),
	}
	go client.writeLoop()
	client.readLoop()
}

type wsClient struct {
	bridge *streamBridge
	conn   *websocket.Conn
	send   chan *wsFrame

	mu      sync.Mutex
	cancels []func()

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsClient) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.enqueue(&wsFrame{Type: "error", Error: &apiError{Code: "invalid_request", Message: "malformed frame"}})
			continue
		}
		switch frame.Type {
		case "subscribe":
			c.subscribe(frame.SessionID)
		default:
			c.enqueue(&wsFrame{Type: "error", Error: &apiError{
				Code: "invalid_request", Message: "unknown frame type: " + frame.Type,
			}})
		}
	}
}

// subscribe attaches the client to the session's active stream. Replayed
// history arrives before live events, so a client that connects after the
// first chunks still sees the full ordered sequence.
func (c *wsClient) subscribe(sessionID string) {
	if sessionID == "" {
		c.enqueue(&wsFrame{Type: "error", Error: &apiError{Code: "invalid_request", Message: "session_id is required"}})
		return
	}
	stream, ok := c.bridge.server.manager.Broadcaster().Get(sessionID)
	if !ok {
		c.enqueue(&wsFrame{Type: "error", SessionID: sessionID, Error: &apiError{
			Code: "not_found", Message: "no active stream for session " + sessionID,
		}})
		return
	}

	events, cancel := stream.Subscribe()
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	taskID := stream.TaskID
	c.enqueue(&wsFrame{Type: "subscribed", SessionID: sessionID, TaskID: taskID})

	go func() {
		defer cancel()
		for event := range events {
			c.enqueue(&wsFrame{Type: "event", SessionID: sessionID, TaskID: taskID, Event: event})
			if event.Type.Terminal() {
				break
			}
		}
		c.enqueue(&wsFrame{Type: "end", SessionID: sessionID, TaskID: taskID})
	}()
}

func (c *wsClient) enqueue(frame *wsFrame) {
	select {
	case c.send <- frame:
	case <-c.closed:
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		cancels := c.cancels
		c.cancels = nil
		c.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		_ = c.conn.Close()
	})
}
