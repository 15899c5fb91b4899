// Package config 加载 agent 配置: YAML 文件 + JG_AGENT_* 环境变量覆盖 + 默认值.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omnivector-solutions/jobbergate-sub001/pkg/errors"
)

type Config struct {
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Submission   SubmissionConfig   `mapstructure:"submission"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Token        TokenConfig        `mapstructure:"token"`
	Server       ServerConfig       `mapstructure:"server"`
}

type ControlPlaneConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	PageSize       int    `mapstructure:"page_size"`
	MaxPages       int    `mapstructure:"max_pages"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type SchedulerConfig struct {
	// Mode selects how jobs reach the scheduler: "rest" talks to slurmrestd,
	// "cli" shells out to the sbatch/squeue binaries as the acting user.
	Mode           string `mapstructure:"mode"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SbatchPath     string `mapstructure:"sbatch_path"`
	SqueuePath     string `mapstructure:"squeue_path"`
	SudoPath       string `mapstructure:"sudo_path"`
	// QueryUsername 对账周期查询作业状态所用的账号(需要能看到所有用户的作业).
	QueryUsername string `mapstructure:"query_username"`
}

type SubmissionConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	WorkDir         string `mapstructure:"work_dir"`
}

type ReconcileConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// NotFoundLimit 连续多少个周期查询不到作业后将 submission 上报为 UNKNOWN.
	NotFoundLimit int `mapstructure:"not_found_limit"`
}

type IdentityConfig struct {
	// Strategy: "single-user" 所有 email 映射到同一个提交账号; "ldap" 按 mail 属性查询目录服务.
	Strategy       string     `mapstructure:"strategy"`
	SingleUsername string     `mapstructure:"single_username"`
	CacheDir       string     `mapstructure:"cache_dir"`
	LDAP           LDAPConfig `mapstructure:"ldap"`
}

type LDAPConfig struct {
	URL            string `mapstructure:"url"`
	BindDN         string `mapstructure:"bind_dn"`
	BindPassword   string `mapstructure:"bind_password"`
	BaseDN         string `mapstructure:"base_dn"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type TokenConfig struct {
	CacheDir string          `mapstructure:"cache_dir"`
	Slurm    SlurmTokenConfig `mapstructure:"slurm"`
	OIDC     OIDCConfig      `mapstructure:"oidc"`
}

type SlurmTokenConfig struct {
	// Secret 与 SecretFile 二选一; 两者都为空则视为配置错误.
	Secret     string `mapstructure:"secret"`
	SecretFile string `mapstructure:"secret_file"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type OIDCConfig struct {
	Domain       string `mapstructure:"domain"`
	Audience     string `mapstructure:"audience"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type ServerConfig struct {
	// ListenAddr 为空时不开启状态服务.
	ListenAddr string `mapstructure:"listen_addr"`
}

const (
	minInterval = 5
	maxInterval = 900
)

// Load 读取配置文件(可为空, 仅用环境变量与默认值)并做启动期校验.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("JG_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Configf("unable to read config file %s: %v", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Configf("unable to decode configuration: %v", err)
	}

	cfg.Submission.IntervalSeconds = clamp(cfg.Submission.IntervalSeconds, minInterval, maxInterval)
	cfg.Reconcile.IntervalSeconds = clamp(cfg.Reconcile.IntervalSeconds, minInterval, maxInterval)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	cacheRoot := defaultCacheRoot()
	v.SetDefault("control_plane.base_url", "http://localhost:8000")
	v.SetDefault("control_plane.page_size", 50)
	v.SetDefault("control_plane.max_pages", 20)
	v.SetDefault("control_plane.timeout_seconds", 15)
	v.SetDefault("scheduler.mode", "rest")
	v.SetDefault("scheduler.base_url", "http://localhost:6820")
	v.SetDefault("scheduler.timeout_seconds", 15)
	v.SetDefault("scheduler.sudo_path", "/usr/bin/sudo")
	v.SetDefault("scheduler.query_username", "slurm")
	v.SetDefault("submission.interval_seconds", 30)
	v.SetDefault("submission.work_dir", "/tmp/jobbergate-agent")
	v.SetDefault("reconcile.interval_seconds", 60)
	v.SetDefault("reconcile.not_found_limit", 10)
	v.SetDefault("identity.strategy", "single-user")
	v.SetDefault("identity.cache_dir", filepath.Join(cacheRoot, "identity"))
	v.SetDefault("identity.ldap.timeout_seconds", 10)
	v.SetDefault("token.cache_dir", filepath.Join(cacheRoot, "tokens"))
	v.SetDefault("token.slurm.ttl_seconds", 600)
}

func (c *Config) validate() error {
	switch c.Scheduler.Mode {
	case "rest":
		if c.Scheduler.BaseURL == "" {
			return errors.Configf("scheduler.base_url is required in rest mode")
		}
	case "cli":
		for name, p := range map[string]string{
			"scheduler.sbatch_path": c.Scheduler.SbatchPath,
			"scheduler.squeue_path": c.Scheduler.SqueuePath,
			"scheduler.sudo_path":   c.Scheduler.SudoPath,
		} {
			if err := checkBinary(name, p); err != nil {
				return err
			}
		}
	default:
		return errors.Configf("unsupported scheduler.mode: %s", c.Scheduler.Mode)
	}

	switch c.Identity.Strategy {
	case "single-user":
		if c.Identity.SingleUsername == "" {
			return errors.Configf("identity.single_username is required with strategy single-user")
		}
	case "ldap":
		if c.Identity.LDAP.URL == "" || c.Identity.LDAP.BaseDN == "" {
			return errors.Configf("identity.ldap.url and identity.ldap.base_dn are required with strategy ldap")
		}
	default:
		return errors.Configf("unsupported identity.strategy: %s", c.Identity.Strategy)
	}
	return nil
}

func checkBinary(name, path string) error {
	if path == "" {
		return errors.Configf("%s is required in cli mode", name)
	}
	if !filepath.IsAbs(path) {
		return errors.Configf("%s must be an absolute path, got %q", name, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Configf("%s: %v", name, err)
	}
	if info.IsDir() {
		return errors.Configf("%s points at a directory: %s", name, path)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SubmissionInterval and friends convert the bounded integer settings to durations.
func (c *Config) SubmissionInterval() time.Duration {
	return time.Duration(c.Submission.IntervalSeconds) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

func defaultCacheRoot() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "jobbergate-agent")
}
