package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/metrics"
	"firewatch-pipeline/internal/models"
	"firewatch-pipeline/pkg/redisx"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn 连接的出站抽象（WebSocket 适配或测试桩）
type Conn interface {
	WriteEnvelope(env *models.BroadcastEnvelope) error
	Close() error
}

// connection 单个实时连接
// 每连接独立有界队列 + writer goroutine，慢客户端不拖累广播方
type connection struct {
	id    string
	scope models.SubscriptionScope
	conn  Conn
	queue chan *models.BroadcastEnvelope
	done  chan struct{}
	once  sync.Once
}

// Hub 实时广播中心
// 注册表单写者管理；广播读取快照后逐连接非阻塞投递
type Hub struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	backpressure int64 // 队列满丢弃计数
}

// NewHub 创建广播中心
// redisClient 可为 nil（不做 Streams 镜像）
func NewHub(cfg *config.Config, redisClient *redis.Client, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
		metrics:     m,
		conns:       make(map[string]*connection),
	}
}

// Connect 注册连接，返回连接ID
func (h *Hub) Connect(scope models.SubscriptionScope, conn Conn) string {
	depth := h.config.Pipeline.Hub.QueueDepth
	if depth <= 0 {
		depth = 32
	}

	c := &connection{
		id:    uuid.New().String(),
		scope: scope,
		conn:  conn,
		queue: make(chan *models.BroadcastEnvelope, depth),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return ""
	}
	h.conns[c.id] = c
	h.mu.Unlock()

	h.metrics.HubConnections.Inc()

	go h.writeLoop(c)

	h.logger.Debug("Client connected",
		zap.String("connection_id", c.id),
		zap.String("tenant_id", scope.TenantID),
		zap.String("house_id", scope.HouseID),
	)

	return c.id
}

// Disconnect 注销连接；重复或未知ID是幂等空操作
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	if ok {
		delete(h.conns, connectionID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	h.metrics.HubConnections.Dec()

	h.logger.Debug("Client disconnected", zap.String("connection_id", connectionID))
}

// Broadcast 向范围内的所有连接广播信封
// 队列满时丢弃该连接最旧一条并计数，绝不阻塞广播方
func (h *Hub) Broadcast(ctx context.Context, env *models.BroadcastEnvelope) {
	h.mirror(ctx, env)

	h.mu.Lock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.scope.Matches(env) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.queue <- env:
			continue
		default:
		}

		// 队列满：丢最旧一条再入队
		select {
		case <-c.queue:
		default:
		}
		atomic.AddInt64(&h.backpressure, 1)
		h.metrics.BackpressureDrops.Inc()

		select {
		case c.queue <- env:
		default:
			// writer 恰好清空又被塞满，放弃本条
		}
	}
}

// BackpressureDrops 累计丢弃计数
func (h *Hub) BackpressureDrops() int64 {
	return atomic.LoadInt64(&h.backpressure)
}

// ConnectionCount 当前连接数
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// QueueLen 连接当前积压长度（测试/诊断用）
func (h *Hub) QueueLen(connectionID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	if !ok {
		return 0, false
	}
	return len(c.queue), true
}

// Shutdown 断开所有连接并拒绝新连接
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.once.Do(func() {
			close(c.done)
			c.conn.Close()
		})
		h.metrics.HubConnections.Dec()
	}

	h.logger.Info("Broadcast hub stopped", zap.Int("connections_closed", len(conns)))
}

// writeLoop 连接专属写循环
// 写失败视为连接失效，自行注销
func (h *Hub) writeLoop(c *connection) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.queue:
			if err := c.conn.WriteEnvelope(env); err != nil {
				h.logger.Debug("Write failed, dropping connection",
					zap.String("connection_id", c.id),
					zap.Error(err),
				)
				h.Disconnect(c.id)
				return
			}
		}
	}
}

// mirror 把信封镜像到 Redis Streams（兄弟服务消费），尽力而为
func (h *Hub) mirror(ctx context.Context, env *models.BroadcastEnvelope) {
	if h.redisClient == nil {
		return
	}

	stream := h.config.Pipeline.Hub.BroadcastStream
	if stream == "" {
		return
	}

	if _, err := redisx.PublishJSONToStream(ctx, h.redisClient, stream, env); err != nil {
		h.logger.Warn("Failed to mirror broadcast to stream",
			zap.String("stream", stream),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
	}
}
