package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/service"
	"firewatch-pipeline/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "firewatch-pipeline")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting firewatch-pipeline service")

	// 创建服务
	svc, err := service.NewPipelineService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create pipeline service", zap.Error(err))
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WebSocket + 运维 API 监听
	apiMux := http.NewServeMux()
	apiMux.Handle("/ws", svc.WebSocketHandler())
	apiMux.Handle("/", svc.APIHandler())
	apiServer := &http.Server{Addr: cfg.Pipeline.Hub.ListenAddr, Handler: apiMux}
	go func() {
		log.Info("Realtime/API server listening", zap.String("addr", cfg.Pipeline.Hub.ListenAddr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Realtime/API server failed", zap.Error(err))
		}
	}()

	// Prometheus /metrics 监听
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(svc.Registry(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux}
	go func() {
		log.Info("Metrics server listening", zap.String("addr", cfg.Metrics.ListenAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// 启动服务
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start pipeline service", zap.Error(err))
	}

	// 等待信号
	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	// 停止服务
	apiServer.Shutdown(context.Background())
	metricsServer.Shutdown(context.Background())
	if err := svc.Stop(); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
}
