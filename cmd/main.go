package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"

	"github.com/omnivector-solutions/jobbergate-sub001/internal/agent"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/app/router"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/module/health"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/controlplane"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/exec"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/ldap"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/client/slurmrest"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/config"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/identity"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/log"
	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/token"
)

func main() {
	var (
		logOutput  string
		logFormat  string
		logFile    string
		logLevel   string
		configFile string
	)
	app := kingpin.New(filepath.Base(os.Args[0]), "Cluster agent: submits control-plane jobs to the local scheduler and reconciles their status.")
	app.HelpFlag.Short('h')
	// Logging related flags
	app.Flag("log.level", "Log level, one of [debug, info, warn, error].").Default("info").EnumVar(&logLevel, "debug", "info", "warn", "error")
	app.Flag("log.output", "Log output, one of [stdout, stderr, file].").Default("stderr").EnumVar(&logOutput, "stdout", "stderr", "file")
	app.Flag("log.format", "Log format, one of [json, text].").Default("text").EnumVar(&logFormat, "json", "text")
	app.Flag("log.file", "Log file path when --output=file.").PlaceHolder("PATH").StringVar(&logFile)
	app.Flag("config.file", "Agent configuration file (YAML). Environment variables JG_AGENT_* override it.").PlaceHolder("PATH").StringVar(&configFile)
	// Cross-flag validation
	app.PreAction(func(*kingpin.ParseContext) error {
		if strings.EqualFold(logOutput, "file") {
			if !isValidFilePath(logFile) {
				return fmt.Errorf("invalid --file path: %q", logFile)
			}
		}
		return nil
	})
	app.Version(version.Print("jobbergate-agent"))

	_, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("failed to parse commandline arguments: %w", err))
		app.Usage(os.Args[1:])
		os.Exit(2)
	}
	// 创建 Logger
	logger, logClose, err := log.NewLogger(logOutput, logFormat, logFile, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logClose()

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	a, closers, err := buildAgent(cfg, logger)
	if err != nil {
		logger.Error("unable to assemble agent", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 状态服务可选: listen_addr 为空时只跑两个循环.
	if cfg.Server.ListenAddr != "" {
		r := router.New(health.NewRouter(a, logger))
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("status server listening", slog.String("addr", cfg.Server.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server failed", slog.Any("err", err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Error("status server forced to shutdown", slog.Any("err", err))
			}
		}()
	}

	logger.Info("agent starting",
		slog.String("control_plane", cfg.ControlPlane.BaseURL),
		slog.String("scheduler_mode", cfg.Scheduler.Mode))
	a.Run(ctx)
	logger.Info("agent exiting")
}

// buildAgent 根据配置装配控制面客户端、scheduler 通道、身份解析与凭证缓存.
func buildAgent(cfg *config.Config, logger *slog.Logger) (*agent.Agent, []func(), error) {
	var closers []func()

	cp := controlplane.New(http.DefaultClient, cfg.ControlPlane.BaseURL,
		time.Duration(cfg.ControlPlane.TimeoutSeconds)*time.Second,
		cfg.ControlPlane.PageSize, cfg.ControlPlane.MaxPages, logger)

	resolver, closeStore, err := buildResolver(cfg, logger)
	if err != nil {
		return nil, closers, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	var (
		slurm  agent.Scheduler
		cli    agent.CLIScheduler
		tokens agent.TokenSource
	)
	switch cfg.Scheduler.Mode {
	case "cli":
		cli = exec.New(nil, cfg.Scheduler.SudoPath, cfg.Scheduler.SbatchPath, cfg.Scheduler.SqueuePath,
			time.Duration(cfg.Scheduler.TimeoutSeconds)*time.Second, logger)
	default:
		slurm = slurmrest.New(http.DefaultClient, cfg.Scheduler.BaseURL,
			time.Duration(cfg.Scheduler.TimeoutSeconds)*time.Second, logger)
		tokens, err = buildTokenCache(cfg, logger)
		if err != nil {
			return nil, closers, err
		}
	}

	return agent.New(cfg, cp, slurm, cli, resolver, tokens, logger), closers, nil
}

func buildResolver(cfg *config.Config, logger *slog.Logger) (identity.Resolver, func(), error) {
	if cfg.Identity.Strategy == "single-user" {
		return identity.Static{Username: cfg.Identity.SingleUsername}, nil, nil
	}

	if err := os.MkdirAll(cfg.Identity.CacheDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create identity cache dir: %w", err)
	}
	store, err := identity.OpenStore(filepath.Join(cfg.Identity.CacheDir, "mappings.db"))
	if err != nil {
		return nil, nil, err
	}
	dir := ldap.New(cfg.Identity.LDAP.URL, cfg.Identity.LDAP.BindDN, cfg.Identity.LDAP.BindPassword,
		cfg.Identity.LDAP.BaseDN, time.Duration(cfg.Identity.LDAP.TimeoutSeconds)*time.Second, logger)
	return identity.NewDirectory(store, dir, logger), func() { _ = store.Close() }, nil
}

// buildTokenCache 选择凭证铸造方式: 配置了 OIDC 时走联邦交换, 否则用本地共享密钥签发.
func buildTokenCache(cfg *config.Config, logger *slog.Logger) (*token.Cache, error) {
	var (
		minter  token.Minter
		backend string
		err     error
	)
	if cfg.Token.OIDC.Domain != "" {
		backend = "oidc"
		minter, err = token.NewFederatedMinter(cfg.Token.OIDC.Domain, cfg.Token.OIDC.Audience,
			cfg.Token.OIDC.ClientID, cfg.Token.OIDC.ClientSecret)
	} else {
		backend = "slurm"
		minter, err = token.NewLocalSigner(cfg.Token.Slurm.Secret, cfg.Token.Slurm.SecretFile,
			time.Duration(cfg.Token.Slurm.TTLSeconds)*time.Second)
	}
	if err != nil {
		return nil, err
	}
	return token.NewCache(backend, cfg.Token.CacheDir, minter, logger)
}

// isValidFilePath performs a light-weight validation for file paths.
// It accepts both absolute and relative paths and rejects empty paths
// or paths that end with a path separator (which usually indicate a directory).
func isValidFilePath(p string) bool {
	if strings.TrimSpace(p) == "" {
		return false
	}
	// Reject paths that end with a separator, which imply directories
	if strings.HasSuffix(p, string(os.PathSeparator)) {
		return false
	}
	base := filepath.Base(p)
	if base == "." || base == string(os.PathSeparator) {
		return false
	}
	return true
}
