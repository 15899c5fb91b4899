// Package ldap 查询目录服务, 按 mail 属性检索用户条目.
package ldap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

type Client struct {
	url          string
	bindDN       string
	bindPassword string
	baseDN       string
	timeout      time.Duration
	logger       *slog.Logger
}

func New(url, bindDN, bindPassword, baseDN string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		url:          url,
		bindDN:       bindDN,
		bindPassword: bindPassword,
		baseDN:       baseDN,
		timeout:      timeout,
		logger:       logger,
	}
}

// SearchByMail 返回 mail 属性等于 email 的全部条目的 uid 值.
// 不在此处裁决条目数量; 由调用方决定零条/多条的语义.
func (c *Client) SearchByMail(ctx context.Context, email string) ([]string, error) {
	conn, err := goldap.DialURL(c.url)
	if err != nil {
		c.logger.Error("unable to connect to directory service", "err", err.Error(), "url", c.url)
		return nil, errors.Transient("directory dial", 0, err)
	}
	defer conn.Close()
	conn.SetTimeout(c.timeout)
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < c.timeout {
			conn.SetTimeout(remain)
		}
	}

	if c.bindDN != "" {
		if err := conn.Bind(c.bindDN, c.bindPassword); err != nil {
			c.logger.Error("unable to bind to directory service", "err", err.Error(), "bind_dn", c.bindDN)
			return nil, errors.Transient("directory bind", 0, err)
		}
	}

	req := goldap.NewSearchRequest(
		c.baseDN,
		goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, int(c.timeout.Seconds()), false,
		fmt.Sprintf("(mail=%s)", goldap.EscapeFilter(email)),
		[]string{"uid"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		c.logger.Error("directory search failed", "err", err.Error(), "email", email)
		return nil, errors.Transient("directory search", 0, err)
	}

	uids := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		uids = append(uids, e.GetAttributeValue("uid"))
	}
	return uids, nil
}
