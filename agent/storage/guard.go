package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// LayoutGuard 监视守护进程配置目录，发现系统/业务文件之外的文件时告警
// （目录里多出的配置文件会导致重复标识，守护进程无法启动）
type LayoutGuard struct {
	dir     string
	allowed map[string]struct{}

	// OnUnexpected 发现异常文件时回调，默认只记录日志
	OnUnexpected func(name string)
}

// NewLayoutGuard 创建目录守卫
func NewLayoutGuard(dir string, allowed ...string) *LayoutGuard {
	g := &LayoutGuard{dir: dir, allowed: make(map[string]struct{}, len(allowed))}
	for _, name := range allowed {
		g.allowed[name] = struct{}{}
	}
	return g
}

// Check 返回目录中不应存在的文件名（原子写入的隐藏临时文件除外）
func (g *LayoutGuard) Check() ([]string, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var unexpected []string
	for _, entry := range entries {
		if !g.isAllowed(entry.Name()) {
			unexpected = append(unexpected, entry.Name())
		}
	}
	return unexpected, nil
}

// Watch 阻塞监视目录直到 ctx 结束
func (g *LayoutGuard) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建目录监视器失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(g.dir); err != nil {
		return fmt.Errorf("监视目录失败 [%s]: %w", g.dir, err)
	}
	logrus.WithField("dir", g.dir).Info(color.GreenString("👀 配置目录监视已启动"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if g.isAllowed(name) {
				continue
			}
			if _, err := os.Stat(event.Name); err != nil {
				continue
			}
			g.report(name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.Warnf("⚠️ 目录监视错误: %v", err)
		}
	}
}

func (g *LayoutGuard) isAllowed(name string) bool {
	if _, ok := g.allowed[name]; ok {
		return true
	}
	// AtomicWriter 的临时文件
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

func (g *LayoutGuard) report(name string) {
	logrus.WithFields(logrus.Fields{
		"dir":  g.dir,
		"file": name,
	}).Warn(color.YellowString("⚠️ 配置目录出现未预期文件，守护进程可能因重复标识无法启动"))
	if g.OnUnexpected != nil {
		g.OnUnexpected(name)
	}
}
