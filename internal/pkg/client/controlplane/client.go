// Package controlplane 封装 agent 面向控制面的 HTTP 接口: 拉取待提交/在途 submission,
// 回报状态变化, 下载作业脚本文件.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

// Doer 抽象 http.Client 的 Do 方法，便于在测试中用 mock 实现替换。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	base     string
	client   Doer
	timeout  time.Duration
	pageSize int
	maxPages int
	logger   *slog.Logger
}

func New(client Doer, base string, timeout time.Duration, pageSize, maxPages int, logger *slog.Logger) *Client {
	return &Client{
		base:     base,
		client:   client,
		timeout:  timeout,
		pageSize: pageSize,
		maxPages: maxPages,
		logger:   logger,
	}
}

// FileRole 标记脚本文件在 submission 中的角色.
type FileRole string

const (
	RoleEntrypoint FileRole = "ENTRYPOINT"
	RoleSupport    FileRole = "SUPPORT"
)

type SubmissionFile struct {
	Filename     string   `json:"filename"`
	RelativePath string   `json:"relative_path"`
	Role         FileRole `json:"role"`
	// URL 由控制面生成(对象存储的预签名链接), 直接 GET 获取文件内容.
	URL string `json:"url"`
}

type PendingSubmission struct {
	ID                 int64            `json:"id"`
	Name               string           `json:"name"`
	OwnerEmail         string           `json:"owner_email"`
	ExecutionDirectory string           `json:"execution_directory"`
	Parameters         map[string]any   `json:"execution_parameters"`
	Files              []SubmissionFile `json:"files"`
}

type ActiveSubmission struct {
	ID         int64 `json:"id"`
	SlurmJobID int64 `json:"slurm_job_id"`
}

// Submission status vocabulary of the control plane.
const (
	StatusCreated   = "CREATED"
	StatusSubmitted = "SUBMITTED"
	StatusRejected  = "REJECTED"
	StatusDone      = "DONE"
	StatusAborted   = "ABORTED"
	StatusCancelled = "CANCELLED"
	StatusUnknown   = "UNKNOWN"
)

type StatusUpdate struct {
	Status        string `json:"status"`
	SlurmJobID    *int64 `json:"slurm_job_id,omitempty"`
	ReportMessage string `json:"report_message,omitempty"`
}

// envelope 控制面分页响应格式.
type envelope[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

// errorDetail 从错误响应体中提取控制面的 detail 字段, 解不出来返回空串.
func errorDetail(body io.Reader) string {
	var e struct {
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(io.LimitReader(body, 4096)).Decode(&e)
	return e.Detail
}

func errorf(detail string) error {
	if detail == "" {
		return nil
	}
	return fmt.Errorf("%s", detail)
}

// fetchAll 逐页拉取 path 下的集合并在内存中累积. 终止条件:
// 服务端报告 pages == 0(空集合), 某页条目数小于请求页大小(最后一页),
// 或达到 maxPages 上限(提前截断以限制单周期内存占用, 返回已累积部分).
func fetchAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	out := make([]T, 0, c.pageSize)
	for page := 1; ; page++ {
		if c.maxPages > 0 && page > c.maxPages {
			c.logger.Warn("page cap reached, returning partial collection", "path", path, "pages", c.maxPages)
			return out, nil
		}
		env, err := fetchPage[T](ctx, c, path, page)
		if err != nil {
			return nil, err
		}
		out = append(out, env.Items...)
		if env.Pages == 0 || len(env.Items) < c.pageSize {
			return out, nil
		}
	}
}

func fetchPage[T any](ctx context.Context, c *Client, path string, page int) (*envelope[T], error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := url.Parse(c.base + path)
	if err != nil {
		return nil, errors.Configf("invalid control plane url %s%s: %v", c.base, path, err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Transient("fetch "+path, 0, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("unable to reach control plane", "err", err.Error(), "url", u.String())
		return nil, errors.Transient("fetch "+path, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail := errorDetail(resp.Body)
		c.logger.Error("unexpected status code from control plane",
			"code", resp.StatusCode, "url", u.String(), "detail", detail)
		return nil, errors.Transient("fetch "+path, resp.StatusCode, errorf(detail))
	}

	env := &envelope[T]{}
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		c.logger.Error("unable to decode control plane response", "err", err.Error(), "url", u.String())
		return nil, errors.Transient("fetch "+path, 0, err)
	}
	return env, nil
}

// GetPendingSubmissions 返回等待该 agent 提交的全部 submission.
func (c *Client) GetPendingSubmissions(ctx context.Context) ([]PendingSubmission, error) {
	return fetchAll[PendingSubmission](ctx, c, "/job-submissions/agent/pending")
}

// GetActiveSubmissions 返回控制面仍认为在途的 submission 投影.
func (c *Client) GetActiveSubmissions(ctx context.Context) ([]ActiveSubmission, error) {
	return fetchAll[ActiveSubmission](ctx, c, "/job-submissions/agent/active")
}

// ReportStatus 将一条 submission 的状态变化回报给控制面.
// 非 2xx 作为条目级可恢复失败处理, 不中断整个周期.
func (c *Client) ReportStatus(ctx context.Context, id int64, upd StatusUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(upd)
	if err != nil {
		return errors.Transient("report status", 0, err)
	}
	urlStr := fmt.Sprintf("%s/job-submissions/agent/%d", c.base, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, urlStr, bytes.NewReader(body))
	if err != nil {
		return errors.Transient("report status", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("unable to report submission status", "err", err.Error(), "id", id, "status", upd.Status)
		return errors.Transient("report status", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail := errorDetail(resp.Body)
		c.logger.Error("unexpected status code while reporting",
			"code", resp.StatusCode, "id", id, "status", upd.Status, "detail", detail)
		return errors.Transient("report status", resp.StatusCode, errorf(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// DownloadFile 下载单个脚本文件内容. rawURL 为控制面在文件描述符中携带的下载链接.
func (c *Client) DownloadFile(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Transient("download file", 0, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("unable to download submission file", "err", err.Error(), "url", rawURL)
		return nil, errors.Transient("download file", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.logger.Error("unexpected status code while downloading file", "code", resp.StatusCode, "url", rawURL)
		return nil, errors.Transient("download file", resp.StatusCode, nil)
	}
	return io.ReadAll(resp.Body)
}
