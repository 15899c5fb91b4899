package agent

import "github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/controlplane"

// jobStateTable 固定的 slurm 作业状态 → 控制面状态 映射表.
// 状态名取自 slurm 的 job_state 字符串(含位标志派生的过渡态).
var jobStateTable = map[string]string{
	"COMPLETED": controlplane.StatusDone,

	"FAILED":        controlplane.StatusAborted,
	"TIMEOUT":       controlplane.StatusAborted,
	"NODE_FAIL":     controlplane.StatusAborted,
	"BOOT_FAIL":     controlplane.StatusAborted,
	"DEADLINE":      controlplane.StatusAborted,
	"OUT_OF_MEMORY": controlplane.StatusAborted,
	"PREEMPTED":     controlplane.StatusAborted,

	"CANCELLED": controlplane.StatusCancelled,

	"PENDING":       controlplane.StatusSubmitted,
	"RUNNING":       controlplane.StatusSubmitted,
	"SUSPENDED":     controlplane.StatusSubmitted,
	"COMPLETING":    controlplane.StatusSubmitted,
	"CONFIGURING":   controlplane.StatusSubmitted,
	"STAGE_OUT":     controlplane.StatusSubmitted,
	"REQUEUED":      controlplane.StatusSubmitted,
	"REQUEUE_FED":   controlplane.StatusSubmitted,
	"REQUEUE_HOLD":  controlplane.StatusSubmitted,
	"RESIZING":      controlplane.StatusSubmitted,
	"SIGNALING":     controlplane.StatusSubmitted,
	"SPECIAL_EXIT":  controlplane.StatusSubmitted,
	"STOPPED":       controlplane.StatusSubmitted,
	"REVOKED":       controlplane.StatusSubmitted,
	"RESV_DEL_HOLD": controlplane.StatusSubmitted,
}

// MapJobState 将 slurm 状态映射为控制面状态. 表外的状态一律映射为在途状态
// SUBMITTED, 保证未识别但合法的状态不会被当作错误.
func MapJobState(state string) string {
	if s, ok := jobStateTable[state]; ok {
		return s
	}
	return controlplane.StatusSubmitted
}

// isTerminal 判断控制面状态是否为终态(不再有后继迁移).
func isTerminal(status string) bool {
	switch status {
	case controlplane.StatusDone,
		controlplane.StatusAborted,
		controlplane.StatusCancelled,
		controlplane.StatusRejected,
		controlplane.StatusUnknown:
		return true
	}
	return false
}
