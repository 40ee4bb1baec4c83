package models

import "errors"

// 错误分类，所有下层错误都用 %w 包装其中之一
var (
	ErrAuth           = errors.New("认证失败")
	ErrLockBusy       = errors.New("已有部署正在进行，请稍后重试")
	ErrPayload        = errors.New("无效的载荷")
	ErrIO             = errors.New("文件写入失败")
	ErrProcess        = errors.New("外部命令失败")
	ErrCrashLoop      = errors.New("进程启动后崩溃")
	ErrRollbackFailed = errors.New("回滚失败，需要人工介入")
)
