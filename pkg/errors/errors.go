// Package errors 定义 agent 的错误分类: 配置错误(启动即失败)、外部系统瞬时错误(跳过本条, 下个周期重试)、
// 数据错误(该条 submission 被拒绝, 不影响其他条目).
package errors

import (
	"errors"
	"fmt"
)

// ConfigError 表示配置缺失或非法, 进程启动时直接失败, 不做重试.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }

// Configf 构造 ConfigError.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// TransientError 表示外部系统(控制面、slurmrestd、token 签发方)不可达或返回非 2xx.
// 受影响的条目被跳过, 由下一个轮询周期自然重试; 循环体内不做退避重试.
type TransientError struct {
	Op         string // which call failed, e.g. "report status"
	StatusCode int    // zero when the failure was not an HTTP status
	Err        error
}

func (e *TransientError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: unexpected status code %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unexpected status code %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient 构造 TransientError. status 为 0 表示非 HTTP 状态类失败.
func Transient(op string, status int, err error) *TransientError {
	return &TransientError{Op: op, StatusCode: status, Err: err}
}

// DataError 表示 submission 本身的数据问题: 脚本缺少入口文件、指令行无法解析、
// 身份查询无结果或有多个结果等. 该条 submission 被标记为 REJECTED, 不会升级为进程级错误.
type DataError struct {
	Reason string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *DataError) Unwrap() error { return e.Err }

// Dataf 构造 DataError.
func Dataf(format string, args ...any) *DataError {
	return &DataError{Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsData reports whether err is (or wraps) a DataError.
func IsData(err error) bool {
	var d *DataError
	return errors.As(err, &d)
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var c *ConfigError
	return errors.As(err, &c)
}
