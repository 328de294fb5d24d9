package hub

import (
	"net/http"
	"time"

	"firewatch-pipeline/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// wsConn gorilla WebSocket 连接适配
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) WriteEnvelope(env *models.BroadcastEnvelope) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// Handler WebSocket 接入端点
// 订阅范围取自查询参数 tenant_id / house_id；连接升级后只写不读业务数据
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// 管道与前端不同源部署
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		scope := models.SubscriptionScope{
			TenantID: r.URL.Query().Get("tenant_id"),
			HouseID:  r.URL.Query().Get("house_id"),
		}

		connID := h.Connect(scope, &wsConn{ws: ws})
		if connID == "" {
			return
		}

		// 读循环只用于感知客户端断开（忽略客户端数据帧）
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					h.Disconnect(connID)
					return
				}
			}
		}()
	})
}
