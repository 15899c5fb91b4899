// Package agent 实现集群侧 agent 的两个核心循环: 提交编排与状态对账.
// 两个循环各自按固定间隔触发, 单个循环内不允许重入, 两循环之间可并发
// (各自只触碰不同状态集的 submission).
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/controlplane"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/slurmrest"
	commontime "github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/common/time"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/config"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/identity"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/sbatch"
)

// ControlPlane 控制面客户端接口, 测试中以 fake 实现替换.
type ControlPlane interface {
	GetPendingSubmissions(ctx context.Context) ([]controlplane.PendingSubmission, error)
	GetActiveSubmissions(ctx context.Context) ([]controlplane.ActiveSubmission, error)
	ReportStatus(ctx context.Context, id int64, upd controlplane.StatusUpdate) error
	DownloadFile(ctx context.Context, url string) ([]byte, error)
}

// Scheduler slurmrestd 通道.
type Scheduler interface {
	SubmitJob(ctx context.Context, user, token string, req slurmrest.SubmitRequest) (int64, error)
	GetJob(ctx context.Context, user, token string, jobID int64) (*slurmrest.JobInfo, error)
}

// CLIScheduler sbatch/squeue 回退通道.
type CLIScheduler interface {
	Submit(ctx context.Context, user, workDir, scriptPath string) (int64, error)
	JobState(ctx context.Context, user string, jobID int64) (string, string, error)
}

// TokenSource 为本地身份提供 scheduler 凭证.
type TokenSource interface {
	Acquire(ctx context.Context, identity string) (string, error)
}

type Agent struct {
	cfg      *config.Config
	cp       ControlPlane
	slurm    Scheduler
	cli      CLIScheduler
	resolver identity.Resolver
	tokens   TokenSource
	table    *sbatch.Table
	logger   *slog.Logger

	mu         sync.Mutex
	notFound   map[int64]int    // submission id → consecutive not-found count
	lastStatus map[int64]string // submission id → last reported status
	stats      Stats
}

// Stats /status 接口暴露的周期计数器. 时间戳在第一轮完成前序列化为空串.
type Stats struct {
	SubmissionCycles    uint64          `json:"submission_cycles"`
	ReconcileCycles     uint64          `json:"reconcile_cycles"`
	Submitted           uint64          `json:"submitted"`
	Rejected            uint64          `json:"rejected"`
	StatusReports       uint64          `json:"status_reports"`
	LastSubmissionCycle commontime.Time `json:"last_submission_cycle"`
	LastReconcileCycle  commontime.Time `json:"last_reconcile_cycle"`
	LastError           string          `json:"last_error,omitempty"`
}

// New 装配 agent. slurm 与 cli 二选一, 由 scheduler.mode 决定.
func New(cfg *config.Config, cp ControlPlane, slurm Scheduler, cli CLIScheduler,
	resolver identity.Resolver, tokens TokenSource, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:        cfg,
		cp:         cp,
		slurm:      slurm,
		cli:        cli,
		resolver:   resolver,
		tokens:     tokens,
		table:      sbatch.NewTable(),
		logger:     logger,
		notFound:   make(map[int64]int),
		lastStatus: make(map[int64]string),
	}
}

// Run 启动两个循环并阻塞到 ctx 取消. 每个循环先立即执行一轮, 之后按间隔触发;
// 一轮必须完整结束后才允许同一循环的下一次触发.
func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.loop(ctx, a.cfg.SubmissionInterval(), a.runSubmissionCycle)
	}()
	go func() {
		defer wg.Done()
		a.loop(ctx, a.cfg.ReconcileInterval(), a.runReconcileCycle)
	}()
	wg.Wait()
}

func (a *Agent) loop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

// Snapshot 返回计数器副本.
func (a *Agent) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Agent) recordError(err error) {
	a.mu.Lock()
	a.stats.LastError = err.Error()
	a.mu.Unlock()
}
