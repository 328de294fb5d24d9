package config

import (
	"os"
	"strconv"
	"time"

	"firewatch-pipeline/pkg/database"
	"firewatch-pipeline/pkg/mqtt"
	"firewatch-pipeline/pkg/redisx"
)

// Config 管道服务配置
type Config struct {
	Database database.Config
	Redis    redisx.Config
	MQTT     mqtt.Config

	// 管道策略配置
	Pipeline struct {
		// 设备状态跟踪
		Tracker struct {
			StaleAfter    time.Duration // 心跳静默超过此时长判定离线
			SweepInterval time.Duration // 离线扫描周期
			CacheTTL      time.Duration // Redis 实时状态缓存 TTL
			Shards        int           // 设备状态分片数（按 device_id 哈希）
		}

		// 报警状态机
		Alarm struct {
			EscalateAfter  time.Duration // 未确认自动升级的超时
			RetainResolved time.Duration // 已解除事件在内存注册表中的保留时长
		}

		// 通知路由
		Router struct {
			RadiusMeters         float64 // 基础通知半径（米）
			EscalateRadiusFactor float64 // 升级时半径放大倍数
		}

		// 推送派发
		Dispatch struct {
			Workers        int           // 并发派发 worker 数
			MaxAttempts    int           // 单任务最大尝试次数
			BackoffBase    time.Duration // 指数退避基础间隔
			RetainOutcomes time.Duration // 终态任务在内存台账中的保留时长
		}

		// 实时广播
		Hub struct {
			QueueDepth      int    // 每连接出站队列深度
			ListenAddr      string // WebSocket 监听地址
			BroadcastStream string // 广播事件镜像到的 Redis Stream
		}
	}

	// 外部推送网关
	Push struct {
		WebhookURL string        // 为空时退化为日志通道
		Timeout    time.Duration // 单次投递超时
	}

	Metrics struct {
		ListenAddr string // Prometheus /metrics 监听地址
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
// 全部来自环境变量，默认值在此处集中声明
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "firewatch")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "firewatch-pipeline")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	// 跟踪器：默认 180 秒静默判离线，30 秒扫一次
	cfg.Pipeline.Tracker.StaleAfter = getEnvDuration("HEARTBEAT_STALE_AFTER", 180*time.Second)
	cfg.Pipeline.Tracker.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 30*time.Second)
	cfg.Pipeline.Tracker.CacheTTL = getEnvDuration("TRACKER_CACHE_TTL", 5*time.Minute)
	cfg.Pipeline.Tracker.Shards = getEnvInt("TRACKER_SHARDS", 16)

	// 报警：默认 120 秒未确认自动升级，已解除事件保留 1 小时
	cfg.Pipeline.Alarm.EscalateAfter = getEnvDuration("ACK_ESCALATE_AFTER", 120*time.Second)
	cfg.Pipeline.Alarm.RetainResolved = getEnvDuration("ALARM_RETAIN_RESOLVED", time.Hour)

	// 路由：默认 500 米，升级时 3 倍
	cfg.Pipeline.Router.RadiusMeters = getEnvFloat("NOTIFY_RADIUS_M", 500)
	cfg.Pipeline.Router.EscalateRadiusFactor = getEnvFloat("ESCALATE_RADIUS_FACTOR", 3.0)

	// 派发：默认 8 个 worker，最多 3 次尝试，500ms 起步退避
	cfg.Pipeline.Dispatch.Workers = getEnvInt("DISPATCH_WORKERS", 8)
	cfg.Pipeline.Dispatch.MaxAttempts = getEnvInt("DISPATCH_MAX_ATTEMPTS", 3)
	cfg.Pipeline.Dispatch.BackoffBase = getEnvDuration("DISPATCH_BACKOFF_BASE", 500*time.Millisecond)
	cfg.Pipeline.Dispatch.RetainOutcomes = getEnvDuration("DISPATCH_RETAIN_OUTCOMES", time.Hour)

	// 广播：默认每连接 32 条队列
	cfg.Pipeline.Hub.QueueDepth = getEnvInt("HUB_QUEUE_DEPTH", 32)
	cfg.Pipeline.Hub.ListenAddr = getEnv("HUB_LISTEN_ADDR", ":8090")
	cfg.Pipeline.Hub.BroadcastStream = getEnv("HUB_BROADCAST_STREAM", "firewatch:broadcast")

	cfg.Push.WebhookURL = getEnv("PUSH_WEBHOOK_URL", "")
	cfg.Push.Timeout = getEnvDuration("PUSH_TIMEOUT", 5*time.Second)

	cfg.Metrics.ListenAddr = getEnv("METRICS_LISTEN_ADDR", ":9100")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
