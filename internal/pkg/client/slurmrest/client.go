package slurmrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

// Doer 抽象 http.Client 的 Do 方法，便于在测试中用 mock 实现替换。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client slurmrestd HTTP 客户端封装. 调用方以被解析出的本地用户身份认证
// (X-SLURM-USER-NAME / X-SLURM-USER-TOKEN 头), 而不是 agent 自身身份.
type Client struct {
	base    string
	client  Doer
	timeout time.Duration
	logger  *slog.Logger
}

func New(client Doer, base string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		base:    base,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// SubmitRequest slurmrestd 作业提交请求体.
type SubmitRequest struct {
	Script string         `json:"script"`
	Job    map[string]any `json:"job"`
}

type submitResponse struct {
	JobID  int64      `json:"job_id"`
	Errors []apiError `json:"errors"`
}

type apiError struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

// JobInfo 单个作业的状态投影.
type JobInfo struct {
	JobID       int64  `json:"job_id"`
	JobState    string `json:"job_state"`
	StateReason string `json:"state_reason"`
}

// SubmitJob 提交作业并返回 slurm 分配的 job id.
func (c *Client) SubmitJob(ctx context.Context, user, token string, subReq SubmitRequest) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(subReq)
	if err != nil {
		return 0, errors.Transient("submit job", 0, err)
	}
	urlStr := c.base + "/job/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Transient("submit job", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req, user, token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("unable to reach slurmrestd", "err", err.Error(), "url", urlStr)
		return 0, errors.Transient("submit job", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Error("unexpected status code from slurmrestd", "code", resp.StatusCode, "url", urlStr, "detail", string(detail))
		return 0, errors.Transient(fmt.Sprintf("submit job: %s", bytes.TrimSpace(detail)), resp.StatusCode, nil)
	}

	data := submitResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		c.logger.Error("unable to decode slurmrestd response", "err", err.Error(), "url", urlStr)
		return 0, errors.Transient("submit job", 0, err)
	}
	if len(data.Errors) > 0 {
		return 0, errors.Dataf("slurmrestd refused submission: %s", data.Errors[0].Description)
	}
	if data.JobID == 0 {
		return 0, errors.Dataf("slurmrestd response carried no job id")
	}
	return data.JobID, nil
}

// GetJob 查询作业当前状态. slurmrestd 对已不可见的作业返回空 jobs 列表,
// 此时返回 (nil, nil), 由调用方决定"尚无状态变化"的处理.
func (c *Client) GetJob(ctx context.Context, user, token string, jobID int64) (*JobInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	urlStr := fmt.Sprintf("%s/job/%d", c.base, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, errors.Transient("get job", 0, err)
	}
	setAuthHeaders(req, user, token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("unable to reach slurmrestd", "err", err.Error(), "url", urlStr)
		return nil, errors.Transient("get job", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.logger.Error("unexpected status code from slurmrestd", "code", resp.StatusCode, "url", urlStr)
		return nil, errors.Transient("get job", resp.StatusCode, nil)
	}

	data := struct {
		Jobs []JobInfo `json:"jobs"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		c.logger.Error("unable to decode slurmrestd response", "err", err.Error(), "url", urlStr)
		return nil, errors.Transient("get job", 0, err)
	}
	if len(data.Jobs) == 0 {
		return nil, nil
	}
	return &data.Jobs[0], nil
}

func setAuthHeaders(req *http.Request, user, token string) {
	req.Header.Set("X-SLURM-USER-NAME", user)
	req.Header.Set("X-SLURM-USER-TOKEN", token)
}
