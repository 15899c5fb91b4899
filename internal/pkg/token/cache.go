package token

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// 缓存凭证允许的过期偏差: exp 在此窗口内刚过期的 token 仍视为未过期, 容忍节点间时钟偏移.
const expiryLeeway = 30 * time.Second

// Cache 按 backend + 身份 缓存凭证. 凭证文件为每对组合单独一个, 权限 0600,
// 不跨身份共享.
type Cache struct {
	backend string
	dir     string
	minter  Minter
	group   singleflight.Group
	logger  *slog.Logger
}

func NewCache(backend, cacheRoot string, minter Minter, logger *slog.Logger) (*Cache, error) {
	dir := filepath.Join(cacheRoot, backend)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Cache{
		backend: backend,
		dir:     dir,
		minter:  minter,
		logger:  logger,
	}, nil
}

// Acquire 返回 identity 的可用凭证. 缓存命中且未过期时原样返回;
// 否则铸造新凭证, 先落盘再返回. 并发请求同一身份时只铸造一次.
func (c *Cache) Acquire(ctx context.Context, identity string) (string, error) {
	path := c.tokenPath(identity)
	if b, err := os.ReadFile(path); err == nil {
		if tokenUsable(string(b)) {
			return string(b), nil
		}
		c.logger.Debug("cached token expired or undecodable, minting a fresh one",
			"backend", c.backend, "identity", identity)
	}

	v, err, _ := c.group.Do(identity, func() (any, error) {
		tok, err := c.minter.Mint(ctx, identity)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
			c.logger.Warn("unable to persist token", "path", path, "err", err.Error())
		}
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) tokenPath(identity string) string {
	return filepath.Join(c.dir, identity+".token")
}

// tokenUsable 校验缓存凭证: 必须能解码且 exp claim 未过期(允许 expiryLeeway 偏差).
// 此处不校验签名, 签名由凭证的消费方校验.
func tokenUsable(tok string) bool {
	parser := jwt.NewParser()
	t, _, err := parser.ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := t.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Add(-expiryLeeway).Before(exp.Time)
}
