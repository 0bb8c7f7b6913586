package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// ReloadHandler 配置重载处理器
type ReloadHandler func(old, updated *Config)

// Watcher 配置文件监视器
// 监视配置文件所在目录以兼容编辑器的原子替换写入，事件去抖后重新
// 加载配置并通知处理器；加载失败时保留当前配置
type Watcher struct {
	path     string
	current  *Config
	watcher  *fsnotify.Watcher
	logger   hclog.Logger
	handlers []ReloadHandler
	debounce time.Duration
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher 创建配置监视器
func NewWatcher(path string, current *Config, logger hclog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监视器失败: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("添加监视路径失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     absPath,
		current:  current,
		watcher:  fsWatcher,
		logger:   logger.Named("config-watcher"),
		debounce: 100 * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// OnReload 添加重载处理器
func (w *Watcher) OnReload(handler ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Current 返回当前配置
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// SetDebounce 设置事件去抖时间
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start 启动监视
func (w *Watcher) Start() {
	w.logger.Info("启动配置监视", "path", w.path)
	w.wg.Add(1)
	go w.run()
}

// Stop 停止监视
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
	w.watcher.Close()
	w.logger.Info("停止配置监视", "path", w.path)
}

// run 收集文件事件，去抖后重载
func (w *Watcher) run() {
	defer w.wg.Done()

	w.mu.RLock()
	debounce := w.debounce
	w.mu.RUnlock()

	timer := time.NewTimer(debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("配置文件变更", "op", event.Op.String())
			pending = true
			timer.Reset(debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("监视器错误", "error", err)
		case <-timer.C:
			if pending {
				pending = false
				w.reload()
			}
		case <-w.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// reload 重新加载配置并通知处理器
func (w *Watcher) reload() {
	updated, err := Load(w.path)
	if err != nil {
		w.logger.Error("配置重载失败，保留当前配置", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	handlers := make([]ReloadHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	w.logger.Info("配置已重载", "path", w.path)
	for _, handler := range handlers {
		handler(old, updated)
	}
}
