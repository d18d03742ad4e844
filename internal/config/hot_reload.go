package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "margin-trading-go/config"
	"margin-trading-go/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器多次写入触发多次加载
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 5 * time.Second,
	}
}

// Applier 把重新加载的配置应用到运行中的组件
type Applier interface {
	Apply(cfg appconfig.AppConfig) error
}

// ApplierFunc 函数形式的 Applier
type ApplierFunc func(cfg appconfig.AppConfig) error

func (f ApplierFunc) Apply(cfg appconfig.AppConfig) error { return f(cfg) }

type namedApplier struct {
	name    string
	applier Applier
}

// HotReloader 配置热更新器：监听配置文件，校验后依次调用已注册的 Applier
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	appliers   []namedApplier
	lastReload time.Time
	mu         sync.RWMutex
	stopChan   chan struct{}
	doneChan   chan struct{}
	stopOnce   sync.Once
	logger     *logger.Logger

	// 可替换，测试使用
	load func(path string) (appconfig.AppConfig, error)
	now  func() time.Time
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, log *logger.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &HotReloader{
		config:     cfg,
		configPath: configPath,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		logger:     log.Named("hot_reload"),
		load:       appconfig.LoadWithEnvOverrides,
		now:        time.Now,
	}, nil
}

// RegisterApplier 注册参数应用器，按注册顺序调用
func (h *HotReloader) RegisterApplier(name string, applier Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers = append(h.appliers, namedApplier{name: name, applier: applier})
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}

	// 监听目录：编辑器常用 rename 覆盖文件，直接监听文件会丢失后续事件
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	go h.watch(ctx)

	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })

	// 等待 goroutine 结束（带超时）
	select {
	case <-h.doneChan:
	case <-time.After(1 * time.Second):
		// 超时，可能 watch goroutine 没有启动
	}

	return h.watcher.Close()
}

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	target := filepath.Clean(h.configPath)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// 只处理写入和创建事件
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				h.handleConfigChange()
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
			h.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// handleConfigChange 处理配置变化，冷却期内的事件忽略
func (h *HotReloader) handleConfigChange() {
	h.mu.RLock()
	cooling := !h.lastReload.IsZero() && h.now().Sub(h.lastReload) < h.config.CooldownTime
	h.mu.RUnlock()
	if cooling {
		return
	}
	if err := h.Reload(); err != nil {
		h.logger.LogError(err, "配置重新加载失败", zap.String("path", h.configPath))
	}
}

// Reload 重新加载配置并应用。配置无效时不调用任何 Applier；
// 单个 Applier 失败不影响其余 Applier。
func (h *HotReloader) Reload() error {
	cfg, err := h.load(h.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := appconfig.ValidateParams(cfg); err != nil {
		return fmt.Errorf("validate params: %w", err)
	}
	return h.Apply(cfg)
}

// Apply 依次调用 Applier，用于轮询回退路径直接传入已加载的配置
func (h *HotReloader) Apply(cfg appconfig.AppConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, a := range h.appliers {
		if err := a.applier.Apply(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.name, err))
			continue
		}
		h.logger.Debug("配置已应用", zap.String("applier", a.name))
	}
	h.lastReload = h.now()
	h.logger.Info("配置已重新加载", zap.Int("appliers", len(h.appliers)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}
