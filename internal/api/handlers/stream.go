package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/orchestrator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
)

// StreamHandler streams scan progress events over WebSocket.
type StreamHandler struct {
	manager  *orchestrator.Manager
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a stream handler. checkOrigin may be nil to
// accept every origin.
func NewStreamHandler(manager *orchestrator.Manager, logger *logging.Logger, checkOrigin func(*http.Request) bool) *StreamHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &StreamHandler{
		manager: manager,
		logger:  logger.WithFields("handler", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Stream handles GET /api/v1/scans/{id}/stream. Each progress event is
// sent as one JSON text message; the terminal event is followed by a
// normal close. Unknown scans are rejected before the upgrade.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	sub, err := h.manager.Subscribe(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer h.manager.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID(r), "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	log := h.logger.WithScanID(id).WithFields("request_id", requestID(r))
	log.Debug("Stream subscriber attached", "subscription", sub.ID)

	closed := make(chan struct{})
	go h.readPump(conn, closed)
	h.writePump(conn, sub, closed, log)
}

// readPump drains client frames so pings and closes are processed.
func (h *StreamHandler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (h *StreamHandler) writePump(conn *websocket.Conn, sub *orchestrator.Subscription, closed <-chan struct{}, log *logging.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("Stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
