// 文件: storage/backup.go
// 业务配置备份：每次覆盖前归档旧内容，按修改时间保留最近 N 份

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"singbox-agent/agent/models"
)

const (
	backupPrefix     = "business-"
	backupSuffix     = ".json.bak"
	backupTimeFormat = "20060102-150405.000000000"
)

// BackupRotator 备份归档与轮转
type BackupRotator struct {
	dir       string
	retention int
	writer    *AtomicWriter
	now       func() time.Time
	remove    func(name string) error
}

// NewBackupRotator 创建备份轮转器，dir 必须位于守护进程配置目录之外
func NewBackupRotator(dir string, retention int, writer *AtomicWriter) *BackupRotator {
	if retention <= 0 {
		retention = 10
	}
	return &BackupRotator{dir: dir, retention: retention, writer: writer, now: time.Now, remove: os.Remove}
}

// Dir 备份目录
func (r *BackupRotator) Dir() string {
	return r.dir
}

// Archive 归档 content，然后把备份集裁剪到保留数量
// 裁剪失败只记录警告，不影响归档结果
func (r *BackupRotator) Archive(content []byte) (*models.Backup, error) {
	startTime := time.Now()

	// 步骤1：确保目录存在
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: 创建备份目录失败: %v", models.ErrIO, err)
	}

	// 步骤2：生成不重复的时间戳文件名
	// 同一时间戳的序号后缀以 '_' 开头并补零，字典序总是排在无后缀的名字之后
	ts := r.now()
	name := backupPrefix + ts.Format(backupTimeFormat) + backupSuffix
	for i := 1; fileExists(filepath.Join(r.dir, name)); i++ {
		name = fmt.Sprintf("%s%s_%03d%s", backupPrefix, ts.Format(backupTimeFormat), i, backupSuffix)
	}
	path := filepath.Join(r.dir, name)

	// 步骤3：原子写入
	if err := r.writer.Apply(path, content); err != nil {
		return nil, err
	}

	// 步骤4：裁剪
	if removed, err := r.Prune(); err != nil {
		logrus.WithFields(logrus.Fields{
			"method": "BackupRotator.Archive",
			"data":   logrus.Fields{"dir": r.dir, "removed": removed},
		}).Warnf(color.YellowString("⚠️ 备份清理失败: %v"), err)
	}

	logrus.WithFields(logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "BackupRotator.Archive",
		"took":   time.Since(startTime),
		"data":   logrus.Fields{"name": name, "bytes": len(content)},
	}).Info(color.GreenString("💾 业务配置已备份: %s", name))

	return &models.Backup{Name: name, Path: path, Timestamp: ts, Size: int64(len(content))}, nil
}

// List 按修改时间倒序列出备份（相同时间按文件名倒序）
func (r *BackupRotator) List() ([]models.Backup, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取备份目录失败: %w", err)
	}

	backups := make([]models.Backup, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, models.Backup{
			Name:      name,
			Path:      filepath.Join(r.dir, name),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].Timestamp.Equal(backups[j].Timestamp) {
			return backups[i].Timestamp.After(backups[j].Timestamp)
		}
		return backups[i].Name > backups[j].Name
	})
	return backups, nil
}

// Prune 删除超出保留数量的旧备份，返回删除个数
func (r *BackupRotator) Prune() (int, error) {
	backups, err := r.List()
	if err != nil {
		return 0, err
	}
	if len(backups) <= r.retention {
		return 0, nil
	}

	removed := 0
	var firstErr error
	// 从最旧的开始删
	for i := len(backups) - 1; i >= r.retention; i-- {
		if err := r.remove(backups[i].Path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
		logrus.WithField("name", backups[i].Name).Debug("🗑️ 已删除旧备份")
	}
	return removed, firstErr
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
