package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"peekrelay/internal/hub"
	"peekrelay/internal/logging"
)

const (
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// MessageHandler is the relay core as seen by the transport.
type MessageHandler interface {
	Handle(ctx context.Context, connID string, raw []byte) []byte
	Disconnect(connID string)
}

type WebSocketHandler struct {
	Engine MessageHandler
	Hub    *hub.Hub
	Logger *slog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serializes data frames; replies from the read loop race with
// deliveries triggered by other connections.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	connID := uuid.NewString()
	ctx := logging.ContextWithConnectionID(c.Request.Context(), connID)
	logger := logging.WithContext(ctx, h.logger())

	writer := &wsWriter{conn: ws}
	conn := &hub.Connection{ID: connID, Writer: writer}
	h.Hub.Register(conn)
	logger.Info("connection opened", "remoteAddr", c.ClientIP())

	defer func() {
		h.Hub.Unregister(conn)
		h.Engine.Disconnect(connID)
		_ = ws.Close()
		logger.Info("connection closed")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go keepAlive(ws, done)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, net.ErrClosed) {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		reply := h.Engine.Handle(ctx, connID, data)
		if err := writer.Write(reply); err != nil {
			logger.Debug("reply failed", "error", err)
			return
		}
	}
}

func keepAlive(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return logging.WithComponent(nil, "ws")
	}
	return h.Logger
}
