package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/controlplane"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/slurmrest"
	commontime "github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/common/time"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/sbatch"
	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

// runSubmissionCycle 拉取全部待提交 submission 并逐条处理.
// 单条失败只影响该条(REJECTED 上报), 绝不中断整批; 收到停止信号时
// 在条目之间退出, 不打断正在处理的条目.
func (a *Agent) runSubmissionCycle(ctx context.Context) {
	pending, err := a.cp.GetPendingSubmissions(ctx)
	if err != nil {
		a.logger.Error("unable to fetch pending submissions", "err", err.Error())
		a.recordError(err)
		return
	}
	a.logger.Debug("submission cycle started", "pending", len(pending))

	for i := range pending {
		if ctx.Err() != nil {
			a.logger.Info("shutdown requested, leaving submission cycle between items")
			return
		}
		a.processSubmission(context.WithoutCancel(ctx), pending[i])
	}

	a.mu.Lock()
	a.stats.SubmissionCycles++
	a.stats.LastSubmissionCycle = commontime.Time(time.Now())
	a.mu.Unlock()
}

func (a *Agent) processSubmission(ctx context.Context, sub controlplane.PendingSubmission) {
	jobID, err := a.submit(ctx, sub)
	if err != nil {
		reason := fmt.Sprintf("submission %d: %v", sub.ID, err)
		a.logger.Error("submission rejected", "id", sub.ID, "name", sub.Name, "err", err.Error())
		upd := controlplane.StatusUpdate{
			Status:        controlplane.StatusRejected,
			ReportMessage: reason,
		}
		if rerr := a.cp.ReportStatus(ctx, sub.ID, upd); rerr != nil {
			a.logger.Error("unable to report rejection", "id", sub.ID, "err", rerr.Error())
		}
		a.mu.Lock()
		a.stats.Rejected++
		a.mu.Unlock()
		return
	}

	a.logger.Info("job submitted", "id", sub.ID, "name", sub.Name, "slurm_job_id", jobID)
	upd := controlplane.StatusUpdate{
		Status:     controlplane.StatusSubmitted,
		SlurmJobID: &jobID,
	}
	if err := a.cp.ReportStatus(ctx, sub.ID, upd); err != nil {
		// 控制面下个周期仍会把该条作为 pending 返回; 由其去重.
		a.logger.Error("unable to report submission", "id", sub.ID, "err", err.Error())
		return
	}
	a.mu.Lock()
	a.stats.Submitted++
	a.lastStatus[sub.ID] = controlplane.StatusSubmitted
	a.mu.Unlock()
}

// submit 驱动单条 submission 的完整提交: 下载文件 → 解析身份 → 翻译参数 → 提交.
func (a *Agent) submit(ctx context.Context, sub controlplane.PendingSubmission) (int64, error) {
	execDir := sub.ExecutionDirectory
	if execDir == "" {
		execDir = filepath.Join(a.cfg.Submission.WorkDir, strconv.FormatInt(sub.ID, 10))
	}

	var script, entryPath string
	for _, f := range sub.Files {
		// relative_path 必须落在执行目录内, 拒绝 ".." 和绝对路径.
		if !filepath.IsLocal(f.RelativePath) {
			return 0, errors.Dataf("file %s has non-local relative path %q", f.Filename, f.RelativePath)
		}
		content, err := a.cp.DownloadFile(ctx, f.URL)
		if err != nil {
			return 0, fmt.Errorf("download %s: %w", f.Filename, err)
		}
		dest := filepath.Join(execDir, f.RelativePath)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return 0, fmt.Errorf("create execution directory: %w", err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return 0, fmt.Errorf("write %s: %w", f.RelativePath, err)
		}
		if f.Role == controlplane.RoleEntrypoint {
			script = string(content)
			entryPath = dest
		}
	}
	if entryPath == "" {
		return 0, errors.Dataf("no entrypoint file among %d submission files", len(sub.Files))
	}

	username, err := a.resolver.Resolve(ctx, sub.OwnerEmail)
	if err != nil {
		return 0, err
	}

	overrides := make(map[string]any, len(sub.Parameters)+4)
	for k, v := range sub.Parameters {
		overrides[k] = v
	}
	overrides["name"] = sub.Name
	overrides["current_working_directory"] = execDir
	overrides["standard_output"] = filepath.Join(execDir, sub.Name+".out")
	overrides["standard_error"] = filepath.Join(execDir, sub.Name+".err")

	job, err := sbatch.Translate(a.table, script, overrides)
	if err != nil {
		return 0, err
	}

	if a.cli != nil {
		// CLI 通道: sbatch 自己会读脚本中的指令, 翻译结果仅用于前置校验.
		return a.cli.Submit(ctx, username, execDir, entryPath)
	}

	token, err := a.tokens.Acquire(ctx, username)
	if err != nil {
		return 0, err
	}
	return a.slurm.SubmitJob(ctx, username, token, slurmrest.SubmitRequest{
		Script: script,
		Job:    job,
	})
}
