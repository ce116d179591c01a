package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payledger/internal/config"
	"payledger/internal/gateway"
	"payledger/internal/handler"
	"payledger/internal/infrastructure/cache"
	"payledger/internal/infrastructure/database"
	"payledger/internal/infrastructure/mq"
	"payledger/internal/job"
	"payledger/internal/metrics"
	"payledger/internal/service"
	"payledger/pkg/idgen"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg := config.LoadConfig(configPath)

	// 初始化 ID 生成器
	idgen.Init(cfg.Business.WorkerID)

	// 初始化基础设施
	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)
	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	// 指标与网关
	m := metrics.New(prometheus.DefaultRegisterer)
	stripeGateway := gateway.NewStripeGateway(&cfg.Gateway)

	// 业务服务
	paymentService := service.NewPaymentService(db, stripeGateway, cfg, m)
	walletService := service.NewWalletService(db, redisClient, cfg, m)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg, m)
	go outboxSender.Start(ctx)

	settlementWorker := job.NewSettlementWorker(db, stripeGateway, cfg, m)
	go settlementWorker.Start(ctx)

	// 设置路由
	h := handler.NewHandler(paymentService, walletService, stripeGateway)
	router := handler.SetupRouter(h)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务（结算任务的退避睡眠也会立即响应）
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
