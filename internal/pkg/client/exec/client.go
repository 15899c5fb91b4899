// Package exec 通过 scheduler CLI (sbatch/squeue) 提交和查询作业, 作为 slurmrestd 不可用
// 环境下的回退通道. 命令以被解析出的本地用户身份运行(sudo -n -u <user>).
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

// ExecCommandFunc 构造 *exec.Cmd, 测试中可替换为 fake 实现.
type ExecCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

type Client struct {
	execCommand ExecCommandFunc
	sudoPath    string
	sbatchPath  string
	squeuePath  string
	timeout     time.Duration
	logger      *slog.Logger
}

func New(execCommand ExecCommandFunc, sudoPath, sbatchPath, squeuePath string, timeout time.Duration, logger *slog.Logger) *Client {
	if execCommand == nil {
		execCommand = exec.CommandContext
	}
	return &Client{
		execCommand: execCommand,
		sudoPath:    sudoPath,
		sbatchPath:  sbatchPath,
		squeuePath:  squeuePath,
		timeout:     timeout,
		logger:      logger,
	}
}

// Submit 以 user 身份执行 sbatch --parsable 提交 scriptPath, 返回 job id.
// --parsable 输出为 "<jobid>" 或 "<jobid>;<cluster>".
func (c *Client) Submit(ctx context.Context, user, workDir, scriptPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"-n", "-u", user, c.sbatchPath, "--parsable", "--chdir", workDir, scriptPath}
	cmd := c.execCommand(ctx, c.sudoPath, args...)
	output, err := cmd.CombinedOutput()
	c.logger.Debug(cmd.String())
	if err != nil {
		c.logger.Error("unable to execute sbatch", "cmd", cmd.String(), "output", string(output), "err", err)
		return 0, errors.Transient("sbatch submit", 0, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output))))
	}

	return parseSbatchParsable(output)
}

// JobState 以 user 身份执行 squeue 查询作业状态, 返回 (state, reason).
// 必须带 -t all: squeue 默认只显示排队/运行类状态, 已结束的作业
// 在 MinJobAge 窗口内仍在 slurmctld 中但会被默认过滤掉.
// 作业已不在队列中时 squeue 无输出, 返回空 state 且无错误.
func (c *Client) JobState(ctx context.Context, user string, jobID int64) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"-n", "-u", user, c.squeuePath, "-h", "-t", "all", "-j", strconv.FormatInt(jobID, 10), "-o", "%T|%r"}
	cmd := c.execCommand(ctx, c.sudoPath, args...)
	output, err := cmd.CombinedOutput()
	c.logger.Debug(cmd.String())
	if err != nil {
		// squeue exits non-zero for unknown job ids as well; treat "Invalid job id"
		// as not-visible rather than a failure.
		if strings.Contains(string(output), "Invalid job id") {
			return "", "", nil
		}
		c.logger.Error("unable to execute squeue", "cmd", cmd.String(), "output", string(output), "err", err)
		return "", "", errors.Transient("squeue query", 0, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output))))
	}

	line := strings.TrimSpace(string(output))
	if line == "" {
		return "", "", nil
	}
	state, reason, _ := strings.Cut(line, "|")
	if reason == "None" {
		reason = ""
	}
	return strings.TrimSpace(state), strings.TrimSpace(reason), nil
}

func parseSbatchParsable(output []byte) (int64, error) {
	line := strings.TrimSpace(string(output))
	idStr, _, _ := strings.Cut(line, ";")
	id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
	if err != nil {
		return 0, errors.Dataf("unable to parse sbatch output %q", line)
	}
	return id, nil
}
