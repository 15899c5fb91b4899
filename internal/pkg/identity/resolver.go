// Package identity 将作业属主的 e-mail 解析为执行作业的本地用户名.
package identity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

// Resolver resolves a job owner's e-mail to the local username jobs are
// submitted as (the acting identity).
type Resolver interface {
	Resolve(ctx context.Context, email string) (string, error)
}

// Static 所有 email 都映射到同一个共享提交账号, 用于单账号环境.
type Static struct {
	Username string
}

func (s Static) Resolve(context.Context, string) (string, error) {
	return s.Username, nil
}

// DirectorySearcher 目录查询接口, 生产实现为 LDAP 客户端.
type DirectorySearcher interface {
	SearchByMail(ctx context.Context, email string) ([]string, error)
}

// Directory 先查本地持久映射, 未命中时查目录服务并回写.
type Directory struct {
	store  *Store
	dir    DirectorySearcher
	logger *slog.Logger
}

func NewDirectory(store *Store, dir DirectorySearcher, logger *slog.Logger) *Directory {
	return &Directory{store: store, dir: dir, logger: logger}
}

func (d *Directory) Resolve(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errors.Dataf("empty owner email")
	}

	if username, ok, err := d.store.Get(ctx, email); err != nil {
		return "", err
	} else if ok {
		return username, nil
	}

	uids, err := d.dir.SearchByMail(ctx, email)
	if err != nil {
		return "", err
	}
	switch len(uids) {
	case 1:
	case 0:
		return "", errors.Dataf("no directory entry found for %s", email)
	default:
		return "", errors.Dataf("found %d directory entries for %s, expected exactly one", len(uids), email)
	}

	// 统一小写, 避免大小写差异造成重复行.
	username := strings.ToLower(uids[0])
	if err := d.store.Put(ctx, email, username); err != nil {
		// 回写失败只影响下次查询速度, 不影响本次解析结果.
		d.logger.Warn("unable to cache identity mapping", "email", email, "err", err.Error())
	}
	return username, nil
}
