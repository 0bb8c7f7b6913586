package transaction

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lomehong/roost/pkg/registry"
)

// backupMetaName 备份归档内的注册表条目文件名
const backupMetaName = ".roost-entry.json"

// createBackup 将插件目录和注册表条目打包为zip备份归档
// 归档包含插件全部文件、清单和当时的注册表条目快照
func createBackup(pluginDir string, entry *registry.Entry, backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("创建备份目录失败: %w", err)
	}

	name := fmt.Sprintf("%s-%s.zip", entry.Descriptor.ID, time.Now().Format("20060102-150405.000"))
	path := filepath.Join(backupDir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("创建备份文件失败: %w", err)
	}
	defer out.Close()

	writer := zip.NewWriter(out)
	defer writer.Close()

	// 注册表条目快照随文件一起归档，回滚时据此恢复注册
	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化注册表条目失败: %w", err)
	}
	metaFile, err := writer.Create(backupMetaName)
	if err != nil {
		return "", fmt.Errorf("写入备份元数据失败: %w", err)
	}
	if _, err := metaFile.Write(meta); err != nil {
		return "", fmt.Errorf("写入备份元数据失败: %w", err)
	}

	err = filepath.Walk(pluginDir, func(filePath string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(pluginDir, filePath)
		if err != nil {
			return err
		}
		entry, err := writer.Create(rel)
		if err != nil {
			return err
		}
		src, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(entry, src)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("归档插件文件失败: %w", err)
	}
	return path, nil
}

// restoreBackup 从备份归档恢复插件文件，返回归档的注册表条目
func restoreBackup(backupPath, pluginDir string) (*registry.Entry, error) {
	reader, err := zip.OpenReader(backupPath)
	if err != nil {
		return nil, fmt.Errorf("打开备份归档失败: %w", err)
	}
	defer reader.Close()

	if err := os.RemoveAll(pluginDir); err != nil {
		return nil, fmt.Errorf("清理插件目录失败: %w", err)
	}
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建插件目录失败: %w", err)
	}

	var entry *registry.Entry
	for _, file := range reader.File {
		if file.Name == backupMetaName {
			src, err := file.Open()
			if err != nil {
				return nil, fmt.Errorf("读取备份元数据失败: %w", err)
			}
			data, err := io.ReadAll(src)
			src.Close()
			if err != nil {
				return nil, fmt.Errorf("读取备份元数据失败: %w", err)
			}
			entry = &registry.Entry{}
			if err := json.Unmarshal(data, entry); err != nil {
				return nil, fmt.Errorf("解析备份元数据失败: %w", err)
			}
			continue
		}
		if err := extractFile(file, pluginDir); err != nil {
			return nil, err
		}
	}

	if entry == nil {
		return nil, fmt.Errorf("备份归档缺少注册表条目")
	}
	return entry, nil
}
