package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/websocket"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/pkg/logger"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/service"
)

const wsWriteTimeout = 10 * time.Second

var supportedMessageTypes = []string{"ping", "heartbeat", "get_status", "status_request"}

// ProgressHandler streams review progress for one task over a WebSocket
// and answers status queries on the same connection.
type ProgressHandler struct {
	reviews *ReviewHandler
}

func NewProgressHandler(reviews *ReviewHandler) *ProgressHandler {
	return &ProgressHandler{reviews: reviews}
}

// wsConn serialises writes: progress events arrive from the pipeline
// goroutine while replies come from the read loop.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return websocket.JSON.Send(w.conn, v)
}

// Send implements service.Listener.
func (w *wsConn) Send(event model.ProgressEvent) error {
	return w.write(event)
}

type clientMessage struct {
	Type      string `json:"type"`
	Timestamp any    `json:"timestamp,omitempty"`
}

// Review upgrades the request and attaches the connection to the task's
// progress stream until the client goes away.
func (h *ProgressHandler) Review(c *gin.Context) {
	taskID := c.Param("task_id")
	if _, ok := h.reviews.ownedTask(c, taskID); !ok {
		return
	}
	ctx := logger.WithTaskID(context.WithoutCancel(c.Request.Context()), taskID)

	// A nil Handshake skips the Origin check; the token already
	// authenticated the caller.
	server := websocket.Server{Handler: func(conn *websocket.Conn) {
		h.serve(ctx, taskID, &wsConn{conn: conn})
	}}
	server.ServeHTTP(c.Writer, c.Request)
}

func (h *ProgressHandler) serve(ctx context.Context, taskID string, conn *wsConn) {
	log := logger.WithContext(ctx)
	defer conn.conn.Close()

	if err := conn.write(gin.H{
		"type":    "connection",
		"task_id": taskID,
		"message": fmt.Sprintf("已连接到任务 %s 的进度推送", taskID),
	}); err != nil {
		log.Warn("failed to greet websocket client", "error", err)
		return
	}

	notifier := h.reviews.svc.Notifier()
	id := notifier.Attach(taskID, conn)
	defer notifier.Detach(taskID, id)
	log.Info("websocket attached", "listeners", notifier.ListenerCount(taskID))

	for {
		var raw string
		if err := websocket.Message.Receive(conn.conn, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("websocket read ended", "error", err)
			}
			log.Info("websocket detached")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Warn("ignoring invalid websocket message", "error", err)
			continue
		}
		if err := h.reply(ctx, taskID, conn, msg); err != nil {
			log.Warn("websocket write failed", "error", err)
			return
		}
	}
}

func (h *ProgressHandler) reply(ctx context.Context, taskID string, conn *wsConn, msg clientMessage) error {
	switch msg.Type {
	case "ping":
		return conn.write(gin.H{"type": "pong", "timestamp": msg.Timestamp})
	case "heartbeat":
		return conn.write(gin.H{"type": "heartbeat_ack", "timestamp": msg.Timestamp})
	case "get_status", "status_request":
		snap, err := h.reviews.svc.TaskStatus(ctx, taskID)
		if err != nil {
			if service.KindOf(err) == "not_found" {
				return conn.write(gin.H{"type": "error", "message": fmt.Sprintf("任务 %s 不存在", taskID)})
			}
			logger.Error(ctx, "failed to load task status", "error", err)
			return conn.write(gin.H{"type": "error", "message": "获取状态失败"})
		}
		return conn.write(statusMessage{Type: "status", StatusSnapshot: snap})
	default:
		logger.Warn(ctx, "unknown websocket message type", "type", msg.Type)
		return conn.write(gin.H{
			"type":            "error",
			"message":         fmt.Sprintf("未知的消息类型: %s", msg.Type),
			"supported_types": supportedMessageTypes,
		})
	}
}

type statusMessage struct {
	Type string `json:"type"`
	*service.StatusSnapshot
}

// Health is an unauthenticated echo endpoint for connectivity checks.
func (h *ProgressHandler) Health(c *gin.Context) {
	server := websocket.Server{Handler: func(conn *websocket.Conn) {
		defer conn.Close()
		ws := &wsConn{conn: conn}
		if err := ws.write(gin.H{"type": "health", "status": "ok", "timestamp": time.Now().Unix()}); err != nil {
			return
		}
		for {
			var msg clientMessage
			if err := websocket.JSON.Receive(conn, &msg); err != nil {
				return
			}
			if msg.Type != "ping" {
				ws.write(gin.H{"type": "error", "message": "仅支持 ping 消息"})
				continue
			}
			if err := ws.write(gin.H{"type": "pong", "timestamp": msg.Timestamp}); err != nil {
				return
			}
		}
	}}
	server.ServeHTTP(c.Writer, c.Request)
}
