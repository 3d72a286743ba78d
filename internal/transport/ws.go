package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/acp"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/acp/jsonrpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades HTTP connections and speaks JSON-RPC frames over them.
// Connections register with the event bridge for the lifetime of the socket
// so bus-driven session/event frames reach them.
type WSHandler struct {
	acp    *acp.Server
	bridge *EventBridge
	logger *logger.Logger
}

// NewWSHandler creates the WebSocket endpoint handler. The bridge may be nil.
func NewWSHandler(acpSrv *acp.Server, bridge *EventBridge, log *logger.Logger) *WSHandler {
	return &WSHandler{
		acp:    acpSrv,
		bridge: bridge,
		logger: log.WithFields(zap.String("component", "ws")),
	}
}

// HandleConnection upgrades the request and serves frames until the peer
// disconnects.
func (h *WSHandler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSConn(uuid.New().String(), conn, h.acp, h.logger)
	h.logger.Debug("websocket connection established",
		zap.String("conn_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	if h.bridge != nil {
		h.bridge.attach(client)
		defer h.bridge.detach(client.id)
	}

	go client.writePump()
	client.readPump(c.Request.Context())
}

// wsConn is one WebSocket connection. Requests are handled concurrently so a
// cancel frame can land while a prompt is in flight; the send channel
// serializes writes and preserves notification-before-response ordering.
type wsConn struct {
	id     string
	conn   *gorillaws.Conn
	acp    *acp.Server
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *logger.Logger
}

func newWSConn(id string, conn *gorillaws.Conn, acpSrv *acp.Server, log *logger.Logger) *wsConn {
	return &wsConn{
		id:     id,
		conn:   conn,
		acp:    acpSrv,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
		logger: log.WithFields(zap.String("conn_id", id)),
	}
}

func (c *wsConn) readPump(ctx context.Context) {
	defer func() {
		c.once.Do(func() { close(c.closed) })
		c.wg.Wait()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		raw := message
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleFrame(ctx, raw)
		}()
	}
}

func (c *wsConn) handleFrame(ctx context.Context, raw []byte) {
	notify := func(n *jsonrpc.Notification) {
		c.enqueueNotification(n)
	}

	resp := c.acp.Dispatcher().Dispatch(ctx, raw, notify)
	if resp == nil {
		return
	}
	c.enqueueResponse(resp)
}

// enqueueNotification drops the frame when the send buffer is full. Chunk
// updates are expendable; the terminal response is not.
func (c *wsConn) enqueueNotification(n *jsonrpc.Notification) {
	data, err := marshalFrame(n)
	if err != nil {
		c.logger.Error("marshal notification failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		c.logger.Warn("send buffer full, dropping update")
	}
}

func (c *wsConn) enqueueResponse(resp *jsonrpc.Response) {
	data, err := marshalFrame(resp)
	if err != nil {
		c.logger.Error("marshal response failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			// Flush what is already queued, then close.
			for {
				select {
				case message := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(gorillaws.TextMessage, message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
					return
				}
			}

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
