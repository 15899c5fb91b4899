package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/controlplane"
	commontime "github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/common/time"
)

// runReconcileCycle 对每条在途 submission 查询 scheduler 当前状态并回报变化.
// 单条查询或上报失败只记日志并跳过, 下个周期自然重试.
func (a *Agent) runReconcileCycle(ctx context.Context) {
	active, err := a.cp.GetActiveSubmissions(ctx)
	if err != nil {
		a.logger.Error("unable to fetch active submissions", "err", err.Error())
		a.recordError(err)
		return
	}
	a.logger.Debug("reconcile cycle started", "active", len(active))

	a.pruneTracking(active)

	for _, act := range active {
		if ctx.Err() != nil {
			a.logger.Info("shutdown requested, leaving reconcile cycle between items")
			return
		}
		a.reconcileOne(context.WithoutCancel(ctx), act)
	}

	a.mu.Lock()
	a.stats.ReconcileCycles++
	a.stats.LastReconcileCycle = commontime.Time(time.Now())
	a.mu.Unlock()
}

func (a *Agent) reconcileOne(ctx context.Context, act controlplane.ActiveSubmission) {
	state, reason, found, err := a.queryJob(ctx, act.SlurmJobID)
	if err != nil {
		a.logger.Warn("unable to query job state",
			"id", act.ID, "slurm_job_id", act.SlurmJobID, "err", err.Error())
		return
	}

	if !found {
		// 刚提交的作业可能尚不可见, 单次查不到不算状态变化.
		// 连续 NotFoundLimit 个周期都查不到时判定作业已从 scheduler 历史中消失, 上报 UNKNOWN.
		n := a.bumpNotFound(act.ID)
		if n < a.cfg.Reconcile.NotFoundLimit {
			return
		}
		upd := controlplane.StatusUpdate{
			Status:        controlplane.StatusUnknown,
			ReportMessage: fmt.Sprintf("job %d not visible to the scheduler for %d consecutive checks", act.SlurmJobID, n),
		}
		if err := a.cp.ReportStatus(ctx, act.ID, upd); err != nil {
			a.logger.Warn("unable to report unknown status", "id", act.ID, "err", err.Error())
			return
		}
		a.forget(act.ID)
		return
	}
	a.clearNotFound(act.ID)

	status := MapJobState(state)
	if status == a.lastKnown(act.ID) && !isTerminal(status) {
		return
	}

	upd := controlplane.StatusUpdate{Status: status}
	if status == controlplane.StatusAborted && reason != "" {
		upd.ReportMessage = reason
	}
	if err := a.cp.ReportStatus(ctx, act.ID, upd); err != nil {
		a.logger.Warn("unable to report status change",
			"id", act.ID, "status", status, "err", err.Error())
		return
	}
	a.logger.Info("status reported", "id", act.ID, "slurm_job_id", act.SlurmJobID,
		"job_state", state, "status", status)

	a.mu.Lock()
	a.stats.StatusReports++
	a.mu.Unlock()
	if isTerminal(status) {
		a.forget(act.ID)
	} else {
		a.setLast(act.ID, status)
	}
}

func (a *Agent) queryJob(ctx context.Context, jobID int64) (state, reason string, found bool, err error) {
	user := a.cfg.Scheduler.QueryUsername
	if a.cli != nil {
		state, reason, err = a.cli.JobState(ctx, user, jobID)
		if err != nil {
			return "", "", false, err
		}
		return state, reason, state != "", nil
	}

	token, err := a.tokens.Acquire(ctx, user)
	if err != nil {
		return "", "", false, err
	}
	info, err := a.slurm.GetJob(ctx, user, token, jobID)
	if err != nil {
		return "", "", false, err
	}
	if info == nil {
		return "", "", false, nil
	}
	return info.JobState, info.StateReason, true, nil
}

// pruneTracking 丢弃控制面已不再视为在途的 submission 的本地跟踪状态.
func (a *Agent) pruneTracking(active []controlplane.ActiveSubmission) {
	current := make(map[int64]struct{}, len(active))
	for _, act := range active {
		current[act.ID] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.notFound {
		if _, ok := current[id]; !ok {
			delete(a.notFound, id)
		}
	}
	for id := range a.lastStatus {
		if _, ok := current[id]; !ok {
			delete(a.lastStatus, id)
		}
	}
}

func (a *Agent) bumpNotFound(id int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notFound[id]++
	return a.notFound[id]
}

func (a *Agent) clearNotFound(id int64) {
	a.mu.Lock()
	delete(a.notFound, id)
	a.mu.Unlock()
}

// lastKnown 返回上次上报的状态; 在途 submission 的初始已知状态即 SUBMITTED.
func (a *Agent) lastKnown(id int64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.lastStatus[id]; ok {
		return s
	}
	return controlplane.StatusSubmitted
}

func (a *Agent) setLast(id int64, status string) {
	a.mu.Lock()
	a.lastStatus[id] = status
	a.mu.Unlock()
}

func (a *Agent) forget(id int64) {
	a.mu.Lock()
	delete(a.notFound, id)
	delete(a.lastStatus, id)
	a.mu.Unlock()
}
