// 文件: storage/atomic.go
// 原子写入：同目录临时文件 + rename，读者只能看到完整的旧内容或完整的新内容

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"singbox-agent/agent/models"
)

// Applier 把内容完整落盘到 path
type Applier interface {
	Apply(path string, content []byte) error
}

// AtomicWriter 原子文件写入器
type AtomicWriter struct {
	Perm os.FileMode

	// rename 在测试中可替换，用于模拟写入与重命名之间的崩溃
	rename func(oldpath, newpath string) error
}

// NewAtomicWriter 创建写入器（默认权限 0644）
func NewAtomicWriter() *AtomicWriter {
	return &AtomicWriter{Perm: 0o644, rename: os.Rename}
}

// Apply 原子地把 content 写到 path
// 临时文件名不以 .json 结尾，守护进程扫描配置目录时不会读到它
func (w *AtomicWriter) Apply(path string, content []byte) error {
	startTime := time.Now()
	dir := filepath.Dir(path)

	// 步骤1：在同一目录创建临时文件（保证 rename 在同一文件系统上）
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: 创建临时文件失败: %v", models.ErrIO, err)
	}
	tmpPath := tmp.Name()

	// 步骤2：写入 + 刷盘
	if err := writeAndSync(tmp, content, w.Perm); err != nil {
		w.cleanup(tmpPath)
		return fmt.Errorf("%w: 写入临时文件失败: %v", models.ErrIO, err)
	}

	// 步骤3：重命名覆盖目标（失败不重试）
	if err := w.rename(tmpPath, path); err != nil {
		w.cleanup(tmpPath)
		return fmt.Errorf("%w: 重命名失败: %v", models.ErrIO, err)
	}

	// 步骤4：目录项刷盘（尽力而为）
	syncDir(dir)

	logrus.WithFields(logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "AtomicWriter.Apply",
		"took":   time.Since(startTime),
		"data":   logrus.Fields{"path": path, "bytes": len(content)},
	}).Debug(color.GreenString("原子写入完成"))
	return nil
}

func writeAndSync(f *os.File, content []byte, perm os.FileMode) error {
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// cleanup 尽力删除临时文件，只记录警告
func (w *AtomicWriter) cleanup(tmpPath string) {
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		logrus.WithField("path", tmpPath).Warnf("⚠️ 清理临时文件失败: %v", err)
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
