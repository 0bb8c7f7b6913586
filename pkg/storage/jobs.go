package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lomehong/roost/pkg/events"
)

// startJobs 启动后台计划任务：刷新、清理、备份、密钥轮换
func (e *Engine) startJobs() {
	if e.config.FlushInterval > 0 {
		e.startTicker(e.config.FlushInterval, func() {
			if err := e.Flush(); err != nil {
				e.logger.Error("定时刷新失败", "error", err)
			}
		})
	}
	if e.config.CleanupInterval > 0 {
		e.startTicker(e.config.CleanupInterval, func() {
			e.Cleanup()
		})
	}
	if e.config.BackupInterval > 0 && e.config.BackupDir != "" {
		e.startTicker(e.config.BackupInterval, func() {
			if _, err := e.Backup(); err != nil {
				e.logger.Error("定时备份失败", "error", err)
			}
		})
	}
	if e.config.RotationInterval > 0 && e.config.Encrypt {
		e.startTicker(e.config.RotationInterval, func() {
			if err := e.RotateKey(); err != nil {
				e.logger.Error("定时密钥轮换失败", "error", err)
			}
		})
	}
}

// startTicker 启动一个周期任务协程
func (e *Engine) startTicker(interval time.Duration, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-e.stopChan:
				return
			}
		}
	}()
}

// Cleanup 删除已过期和长期未访问的条目，返回删除数量
func (e *Engine) Cleanup() int {
	now := time.Now()

	e.mu.Lock()
	count := 0
	for k, entry := range e.entries {
		stale := e.config.StaleAge > 0 && now.Sub(entry.AccessedAt) > e.config.StaleAge
		if entry.expired(now) || stale {
			delete(e.entries, k)
			e.indexes.remove(k, entry)
			count++
		}
	}
	if count > 0 {
		e.dirty = true
	}
	e.mu.Unlock()

	if count > 0 {
		e.logger.Info("存储清理完成", "removed", count)
		e.publish(events.EventStorageCleanup, "", map[string]interface{}{
			"removed": count,
		})
	}
	return count
}

// Backup 将快照复制到备份目录
// 超出保留数量的最旧备份被删除，返回备份文件路径
func (e *Engine) Backup() (string, error) {
	if e.config.BackupDir == "" {
		return "", fmt.Errorf("未配置备份目录")
	}

	// 确保快照是最新的
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
	if err := e.Flush(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(e.config.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("创建备份目录失败: %w", err)
	}

	data, err := os.ReadFile(e.snapshotPath())
	if err != nil {
		return "", fmt.Errorf("读取存储快照失败: %w", err)
	}

	name := fmt.Sprintf("storage-%s.json", time.Now().Format("20060102-150405.000"))
	path := filepath.Join(e.config.BackupDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("写入备份失败: %w", err)
	}

	e.pruneBackups()

	e.logger.Info("存储备份完成", "path", path)
	e.publish(events.EventStorageBackup, "", map[string]interface{}{
		"path": path,
	})
	return path, nil
}

// pruneBackups 删除超出保留数量的最旧备份
func (e *Engine) pruneBackups() {
	retention := e.config.BackupRetention
	if retention <= 0 {
		return
	}

	matches, err := filepath.Glob(filepath.Join(e.config.BackupDir, "storage-*.json"))
	if err != nil || len(matches) <= retention {
		return
	}

	sort.Strings(matches)
	for _, path := range matches[:len(matches)-retention] {
		if err := os.Remove(path); err != nil {
			e.logger.Warn("删除过期备份失败", "path", path, "error", err)
		}
	}
}

// RotateKey 密钥轮换
// 生成新的派生密钥并用它重新加密所有已加密的条目
func (e *Engine) RotateKey() error {
	if !e.config.Encrypt {
		return fmt.Errorf("未启用加密，无法轮换密钥")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	newVersion := e.keyVer + 1
	salt, err := newSalt()
	if err != nil {
		return err
	}
	if err := e.codec.deriveKey(newVersion, salt); err != nil {
		return err
	}

	// 用新密钥重新加密所有已加密的条目
	rotated := 0
	for _, entry := range e.entries {
		if !entry.Encrypted {
			continue
		}
		plaintext, err := e.codec.decode(entry.Payload, entry.Compressed, true, entry.KeyVersion, entry.Checksum)
		if err != nil {
			return fmt.Errorf("轮换时解码条目 %s 失败: %w", entry.Key.String(), err)
		}
		payload, compressed, _, sum, err := e.codec.encode(plaintext, true, newVersion)
		if err != nil {
			return fmt.Errorf("轮换时编码条目 %s 失败: %w", entry.Key.String(), err)
		}
		entry.Payload = payload
		entry.Compressed = compressed
		entry.KeyVersion = newVersion
		entry.Checksum = sum
		rotated++
	}

	e.salts[newVersion] = salt
	e.keyVer = newVersion
	e.dirty = true

	e.logger.Info("密钥轮换完成", "key_version", newVersion, "rotated", rotated)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:   events.EventStorageKeyRotated,
			Source: "storage",
			Data: map[string]interface{}{
				"key_version": newVersion,
				"rotated":     rotated,
			},
		})
	}
	return nil
}
