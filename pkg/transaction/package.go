package transaction

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// extractPackage 将zip安装包解压到临时目录
// 路径穿越条目直接拒绝
func extractPackage(archivePath, tmpDir string) (string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("打开安装包失败: %w", err)
	}
	defer reader.Close()

	dest := filepath.Join(tmpDir, "extract-"+uuid.New().String())
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("创建解压目录失败: %w", err)
	}

	for _, file := range reader.File {
		if err := extractFile(file, dest); err != nil {
			os.RemoveAll(dest)
			return "", err
		}
	}
	return dest, nil
}

// extractFile 解压单个zip条目
func extractFile(file *zip.File, dest string) error {
	cleaned := filepath.Clean(file.Name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return fmt.Errorf("安装包条目 %q 包含非法路径", file.Name)
	}

	target := filepath.Join(dest, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("安装包条目 %q 越出解压目录", file.Name)
	}

	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("读取安装包条目 %q 失败: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("写入文件 %q 失败: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("解压文件 %q 失败: %w", file.Name, err)
	}
	return nil
}

// downloadPackage 下载URL安装源到临时zip文件，返回文件路径
func downloadPackage(url, tmpDir string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("下载安装包失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("下载安装包失败: 状态码 %d", resp.StatusCode)
	}

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("创建临时目录失败: %w", err)
	}

	path := filepath.Join(tmpDir, "download-"+uuid.New().String()+".zip")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("保存安装包失败: %w", err)
	}
	return path, nil
}

// copyDir 递归复制目录
func copyDir(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
