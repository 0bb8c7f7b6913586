package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshot 持久化快照的文档结构
type snapshot struct {
	Entries map[string]*Entry `json:"entries"`
	SavedAt time.Time         `json:"saved_at"`
}

// Flush 将注册表状态写入持久化快照
// 仅在有未落盘变更时写入；先写临时文件再原子替换
func (r *Registry) Flush() error {
	if r.config.SnapshotPath == "" {
		return nil
	}

	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	doc := snapshot{
		Entries: make(map[string]*Entry, len(r.entries)),
		SavedAt: time.Now(),
	}
	for id, entry := range r.entries {
		doc.Entries[id] = entry.clone()
	}
	r.dirty = false
	r.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化注册表快照失败: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.config.SnapshotPath), 0o755); err != nil {
		return fmt.Errorf("创建快照目录失败: %w", err)
	}

	tmp := r.config.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("写入注册表快照失败: %w", err)
	}
	if err := os.Rename(tmp, r.config.SnapshotPath); err != nil {
		return fmt.Errorf("替换注册表快照失败: %w", err)
	}

	r.logger.Debug("注册表快照已落盘", "path", r.config.SnapshotPath, "entries", len(doc.Entries))
	return nil
}

// load 启动时重新加载持久化快照
func (r *Registry) load() error {
	data, err := os.ReadFile(r.config.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取注册表快照失败: %w", err)
	}

	var doc snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("解析注册表快照失败: %w", err)
	}

	r.mu.Lock()
	r.entries = doc.Entries
	if r.entries == nil {
		r.entries = make(map[string]*Entry)
	}
	r.rebuildLocked()
	r.mu.Unlock()

	r.logger.Info("注册表快照已加载", "entries", len(doc.Entries))
	return nil
}

// flushLoop 定时落盘
func (r *Registry) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				r.logger.Error("定时落盘注册表快照失败", "error", err)
			}
		case <-r.stopChan:
			return
		}
	}
}

// Close 停止后台协程并落盘
func (r *Registry) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
	return r.Flush()
}
