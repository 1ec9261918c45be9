package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"signal_trader/internal/bus"
	"signal_trader/internal/config"
	"signal_trader/internal/exchange"
	"signal_trader/internal/executor"
	httpapi "signal_trader/internal/http"
	"signal_trader/internal/monitor"
	"signal_trader/internal/risk"
	"signal_trader/internal/store"
)

func main() {
	cfg := config.Load()

	repo, err := store.NewSQLiteRepository(cfg.SQLiteDSN)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer repo.Close()

	if err := repo.Init(context.Background()); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}

	// 上次崩溃遗留的 running 任务退回队列
	if n, err := repo.RequeueRunningTasks(context.Background()); err != nil {
		log.Printf("[队列] ⚠ 运行中任务回收失败: %v", err)
	} else if n > 0 {
		log.Printf("[队列] %d 个未完成任务已重新入队", n)
	}

	client := exchange.NewClient(cfg)
	eventBus := bus.New()
	defer eventBus.Close()

	gate := risk.New(cfg)
	coordinator := executor.New(repo, gate, client, eventBus, cfg)
	positionMonitor := monitor.New(repo, client, eventBus, cfg)
	coordinator.SetBreakevenStarter(positionMonitor)

	coordinator.Start()
	positionMonitor.Start()

	router := httpapi.NewRouter(coordinator, repo, cfg.RequestTimeoutSec)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("信号执行服务启动 地址=%s 风控=%v 工作槽=%d", cfg.HTTPAddr, !cfg.RiskDisabled, cfg.WorkerCount)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("启动服务失败: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("收到退出信号，开始优雅停机 ...")

	grace := time.Duration(cfg.ShutdownGraceSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] ⚠ 服务关闭异常: %v", err)
	}

	// 先停接收新任务的协调器，再停监控器
	coordinator.Stop()
	positionMonitor.Stop()
	log.Println("✔ 服务已退出")
}
