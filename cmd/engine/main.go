package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"margin-trading-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(ctx); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	logger := c.Logger()

	cfg := c.Config()
	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"env": cfg.Env},
			Logger:          logger.Sugar(),
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logger.LogError(err, "pyroscope start failed")
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	if err := c.Start(ctx); err != nil {
		logger.LogError(err, "启动失败")
		_ = c.Stop()
		os.Exit(1)
	}
	notify(logger.Sugar(), daemon.SdNotifyReady)
	go watchdog(ctx, c)

	<-ctx.Done()
	logger.Info("收到退出信号，开始关闭")
	notify(logger.Sugar(), daemon.SdNotifyStopping)

	if err := c.Stop(); err != nil {
		os.Exit(1)
	}
}

func notify(log *zap.SugaredLogger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warnf("sd_notify %s failed: %v", state, err)
		return
	}
	if sent {
		log.Debugf("sd_notify %s", state)
	}
}

// watchdog 在 systemd 启用看门狗时，按一半间隔上报；组件不健康时停止上报
func watchdog(ctx context.Context, c *container.Container) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				c.Logger().Warn("health check failed", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
