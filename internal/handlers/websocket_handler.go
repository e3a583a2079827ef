package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"patchbridge/internal/services"
	"patchbridge/pkg/jwt"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler 状态变更推送
type WebSocketHandler struct {
	upgrader   websocket.Upgrader
	queue      *queue.RedisQueue
	jwtManager *jwt.JWTManager
	log        *logrus.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(q *queue.RedisQueue, manager *jwt.JWTManager, allowedOrigins []string) *WebSocketHandler {
	log := logger.GetLogger()
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// 同源请求
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || matchOrigin(origin, allowed) {
						return true
					}
				}
				log.Warnf("WebSocket连接被拒绝，非法Origin: %s", origin)
				return false
			},
			ReadBufferSize:  1024 * 4,
			WriteBufferSize: 1024 * 32,
		},
		queue:      q,
		jwtManager: manager,
		log:        log,
	}
}

// eventFilter 按分支或提交过滤推送
type eventFilter struct {
	branchID     uint
	submissionID uint
}

func (f eventFilter) match(change *services.StateChange) bool {
	if f.branchID != 0 && change.BranchID != f.branchID {
		return false
	}
	if f.submissionID != 0 && change.SubmissionID != f.submissionID {
		return false
	}
	return true
}

func parseFilter(c *gin.Context) (eventFilter, bool) {
	var f eventFilter
	if v := c.Query("branch_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return f, false
		}
		f.branchID = uint(id)
	}
	if v := c.Query("submission_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return f, false
		}
		f.submissionID = uint(id)
	}
	return f, true
}

// Events 推送提交状态变更。
// WebSocket不支持自定义header，令牌从查询参数获取
func (h *WebSocketHandler) Events(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少认证令牌"})
		return
	}
	claims, err := h.jwtManager.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的令牌"})
		return
	}
	filter, ok := parseFilter(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的过滤参数"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.log.WithFields(logrus.Fields{
		"username":    claims.Username,
		"remote_addr": c.ClientIP(),
	}).Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := h.queue.SubscribeChannel(ctx, queue.ChannelSubmissionState)
	defer pubsub.Close()

	// 等待订阅成功
	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.WithError(err).Error("Failed to subscribe to Redis channel")
		return
	}

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, pubsub.Channel(), filter)
}

func (h *WebSocketHandler) writePump(ctx context.Context, conn *websocket.Conn, ch <-chan *redis.Message, filter eventFilter) {
	const writeTimeout = 10 * time.Second

	pingTicker := time.NewTicker(60 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.WithError(err).Debug("Failed to send ping")
				return
			}

		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change services.StateChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				h.log.WithError(err).Warn("Failed to parse state change")
				continue
			}
			if !filter.match(&change) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(change); err != nil {
				h.log.WithError(err).Debug("Failed to send message to client")
				return
			}
		}
	}
}

// readPump 处理客户端消息（ping/pong 与关闭）
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	pongWait := 300 * time.Second
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("WebSocket unexpected close")
			}
			return
		}
	}
}

// matchOrigin 检查origin是否匹配allowed模式，支持 *.example.com
func matchOrigin(origin, allowed string) bool {
	if origin == allowed {
		return true
	}
	if !strings.HasPrefix(allowed, "*.") {
		return false
	}
	domain := allowed[2:]

	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
