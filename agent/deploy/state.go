package deploy

import "fmt"

// Phase 部署状态
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseDeploying         Phase = "deploying"
	PhaseSucceeded         Phase = "succeeded"
	PhaseAborted           Phase = "aborted"
	PhaseRollingBack       Phase = "rolling_back"
	PhaseRecovered         Phase = "recovered"
	PhaseFatalInconsistent Phase = "fatal_inconsistent"
)

// Event 驱动状态迁移的事件
type Event string

const (
	EventBegin        Event = "begin"         // 获得部署锁
	EventSucceed      Event = "succeed"       // 校验、重启、健康检查全部通过
	EventAbort        Event = "abort"         // 写盘前失败（载荷/IO），守护进程配置未变
	EventFail         Event = "fail"          // 校验/重启/崩溃循环，需要回滚
	EventRecover      Event = "recover"       // 回滚后进程恢复
	EventRollbackFail Event = "rollback_fail" // 回滚后进程仍不可用
	EventFinish       Event = "finish"        // 终态归位
)

// Terminal 是否为一次部署的终态
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseAborted, PhaseRecovered, PhaseFatalInconsistent:
		return true
	}
	return false
}

var transitions = map[Phase]map[Event]Phase{
	PhaseIdle: {
		EventBegin: PhaseDeploying,
	},
	PhaseDeploying: {
		EventSucceed: PhaseSucceeded,
		EventAbort:   PhaseAborted,
		EventFail:    PhaseRollingBack,
	},
	PhaseRollingBack: {
		EventRecover:      PhaseRecovered,
		EventRollbackFail: PhaseFatalInconsistent,
	},
	PhaseSucceeded:         {EventFinish: PhaseIdle},
	PhaseAborted:           {EventFinish: PhaseIdle},
	PhaseRecovered:         {EventFinish: PhaseIdle},
	PhaseFatalInconsistent: {EventFinish: PhaseIdle},
}

// Next 纯函数状态迁移；未定义的组合返回错误，状态保持不变
func Next(phase Phase, event Event) (Phase, error) {
	if next, ok := transitions[phase][event]; ok {
		return next, nil
	}
	return phase, fmt.Errorf("非法状态迁移: %s --%s-->", phase, event)
}
