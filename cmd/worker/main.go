package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"oip/photosync/internal/worker"
	"oip/photosync/pkg/config"
	"oip/photosync/pkg/logger"
)

var (
	configPath = flag.String("config", "./config/worker.yaml", "配置文件路径")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// 1. 初始化日志
	log.Println("========================================")
	log.Println("  PHOTOSYNC Worker Starting...")
	log.Println("========================================")

	// 2. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("Config validation failed: %v", err)
		return 1
	}

	log.Printf("Config loaded: %s, env: %s, log_level: %s\n", cfg.App.Name, cfg.App.Env, cfg.App.LogLevel)

	// 3. 初始化 Logger
	zapLogger, err := logger.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer zapLogger.Sync()

	// 4. 等待依赖就绪并创建 Manager（收到信号时放弃启动）
	startCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	mgr, err := worker.NewManagerInstance(startCtx, cfg, zapLogger)
	stop()
	if err != nil {
		log.Printf("Failed to create manager: %v", err)
		return 1
	}

	// 5. 启动 Manager（goroutine）
	startErr := make(chan error, 1)
	go func() {
		startErr <- mgr.Start()
	}()

	log.Println("Worker started. Press Ctrl+C to shutdown.")

	// 6. 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Println("========================================")
		log.Printf("  Received signal: %v\n", sig)
		log.Println("  Shutting down Worker...")
		log.Println("========================================")
	case err := <-startErr:
		log.Printf("Manager start failed: %v", err)
		mgr.Shutdown()
		return 1
	}

	// 7. 优雅关闭 Manager
	if !mgr.Shutdown() {
		log.Println("Shutdown timeout exceeded, in-flight messages were requeued")
	}

	fmt.Println("========================================")
	fmt.Println("  Worker exited gracefully")
	fmt.Println("========================================")
	return 0
}
