// Package token 为每个 backend + 身份 组合提供短期凭证, 优先使用本地缓存,
// 缓存失效时按配置的策略重新铸造.
package token

import (
	"context"
	stderrors "errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

// Minter mints a fresh credential for an acting identity. Implementations are
// selected by configuration: local symmetric signing for slurmrestd, or a
// client-credentials exchange against an OIDC issuer for the control plane.
type Minter interface {
	Mint(ctx context.Context, identity string) (string, error)
}

// LocalSigner 以共享密钥本地签发 HS256 token, claims 为 {iat, exp, sub}.
// slurmrestd 以本地铸造的 token 认证调用方, 走的就是这条路径.
type LocalSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewLocalSigner 构造本地签名器. secret 与 secretFile 二选一;
// 两者都未配置属配置错误, 构造期即失败, 不重试.
func NewLocalSigner(secret, secretFile string, ttl time.Duration) (*LocalSigner, error) {
	key := []byte(secret)
	if len(key) == 0 && secretFile != "" {
		b, err := os.ReadFile(secretFile)
		if err != nil {
			return nil, errors.Configf("unable to read signing key file %s: %v", secretFile, err)
		}
		key = []byte(strings.TrimSpace(string(b)))
	}
	if len(key) == 0 {
		return nil, errors.Configf("neither a signing secret nor a key file is configured")
	}
	return &LocalSigner{secret: key, ttl: ttl}, nil
}

func (s *LocalSigner) Mint(_ context.Context, identity string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
		"sub": identity,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", errors.Transient("sign token", 0, err)
	}
	return signed, nil
}

// FederatedMinter 对 OIDC 签发方做 client-credentials 交换, 返回的 access token
// 自带过期 claim. 身份标签不参与交换, 仅决定缓存位置.
type FederatedMinter struct {
	conf *clientcredentials.Config
}

func NewFederatedMinter(domain, audience, clientID, clientSecret string) (*FederatedMinter, error) {
	if domain == "" || clientID == "" || clientSecret == "" {
		return nil, errors.Configf("oidc domain, client_id and client_secret are all required for federated token exchange")
	}
	return &FederatedMinter{
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     "https://" + domain + "/oauth/token",
			EndpointParams: url.Values{
				"audience": {audience},
			},
		},
	}, nil
}

func (m *FederatedMinter) Mint(ctx context.Context, _ string) (string, error) {
	tok, err := m.conf.Token(ctx)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if stderrors.As(err, &rerr) {
			// 非 2xx 属瞬时错误; 调用方不得在循环内自动重试该类错误.
			return "", errors.Transient("token exchange", rerr.Response.StatusCode, err)
		}
		return "", errors.Transient("token exchange", 0, err)
	}
	return tok.AccessToken, nil
}
