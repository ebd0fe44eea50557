package app

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"OpenACP-Core/internal/agent"
	"OpenACP-Core/internal/api"
	"OpenACP-Core/internal/audit"
	"OpenACP-Core/internal/auth"
	"OpenACP-Core/internal/config"
	"OpenACP-Core/internal/discovery"
	"OpenACP-Core/internal/dispatch"
	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/internal/observability/alerting"
	"OpenACP-Core/internal/observability/metrics"
	"OpenACP-Core/internal/orchestrator"
	"OpenACP-Core/internal/registry"
	"OpenACP-Core/internal/storage/sqlstore"
	"OpenACP-Core/pkg/logger"
)

// App 持有按配置装配好的全部组件。
type App struct {
	Config       *config.Config
	Registry     *registry.Registry
	Discovery    *discovery.Service
	Auditor      *audit.Auditor
	Router       *agent.Router
	Orchestrator *orchestrator.Orchestrator
	Dispatch     *dispatch.Service
	Processor    *dispatch.Processor
	Metrics      *metrics.Recorder
	Server       *api.Server

	closers []func() error
	log     *slog.Logger
}

// New 根据配置构造各组件，失败时释放已经打开的资源。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	a := &App{Config: cfg, log: logger.Component("app")}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	a.Metrics = metrics.New(metrics.WithRuntimeCollectors())

	if err := a.buildRegistry(); err != nil {
		return err
	}
	if err := a.buildDiscovery(ctx); err != nil {
		return err
	}
	if err := a.buildAuditor(ctx); err != nil {
		return err
	}
	if cfg.Registry.AuditMutations {
		a.Registry.AddHook(MutationAuditHook(a.Auditor))
	}
	if err := a.Metrics.WatchRegistry(a.Registry, a.Registry); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "注册表指标注册失败")
	}

	alerter := buildAlerting(cfg.Alerting)
	if err := a.buildOrchestrator(alerter); err != nil {
		return err
	}
	if err := a.buildDispatch(ctx, alerter); err != nil {
		return err
	}

	authService, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return err
	}
	a.Server = api.NewServer(cfg.Server.Address, api.Dependencies{
		Auth:         authService,
		Registry:     a.Registry,
		Discovery:    a.Discovery,
		Auditor:      a.Auditor,
		Orchestrator: a.Orchestrator,
		Dispatch:     a.Dispatch,
		Metrics:      a.Metrics,
	})
	return nil
}

func (a *App) buildRegistry() error {
	cfg := a.Config.Registry
	validator, err := registry.NewValidator(cfg.CapabilityNamingRule, cfg.CapabilityTaxonomy)
	if err != nil {
		return err
	}
	opts := []registry.Option{
		registry.WithValidator(validator),
		registry.WithConsistencyChecks(cfg.ConsistencyChecks),
	}
	if cfg.DefaultTrustLevel != nil {
		opts = append(opts, registry.WithDefaultTrustLevel(*cfg.DefaultTrustLevel))
	}
	a.Registry = registry.New(opts...)
	return nil
}

func (a *App) buildDiscovery(ctx context.Context) error {
	cfg := a.Config.Discovery
	matcher, ok := discovery.MatcherByName(cfg.Matcher)
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的能力匹配器: "+cfg.Matcher)
	}
	var cache discovery.Cache
	switch cfg.Cache.Driver {
	case "memory":
		cache = discovery.NewMemoryCache()
	case "redis":
		rc, err := discovery.NewRedisCache(ctx, discovery.RedisCacheConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
			TTL:      cfg.CacheExpiry(),
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rc.Close)
		cache = rc
	case "none":
		cache = nil
	default:
		return fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
	a.Discovery = discovery.New(a.Registry,
		discovery.WithCache(cache),
		discovery.WithExpiry(cfg.CacheExpiry()),
		discovery.WithMatcher(matcher),
	)
	a.Registry.AddHook(a.Discovery.RegistryHook())
	return nil
}

func (a *App) buildAuditor(ctx context.Context) error {
	cfg := a.Config.Audit
	opts := []audit.Option{audit.WithObserver(a.Metrics)}
	if cfg.Rules.Enabled {
		opts = append(opts, audit.WithRules(audit.PolicyRules{
			RequiredFields:       cfg.Rules.RequiredFields,
			AllowedDecisionTypes: cfg.Rules.AllowedDecisionTypes,
			RequireReasoning:     cfg.Rules.RequireReasoning,
		}))
	}

	switch cfg.Backend {
	case "none":
		a.log.Warn("未配置审计后端，决策记录只会在日志中出现")
	case "memory":
		opts = append(opts, audit.WithBackend(audit.NewMemoryBackend()))
	case "file":
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建审计目录失败")
		}
		backend, err := audit.OpenFileBackend(cfg.File.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, backend.Close)
		opts = append(opts, audit.WithBackend(backend))
	case "mysql", "sqlite", "postgres":
		if cfg.Backend == "sqlite" {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
			}
		}
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:         cfg.Backend,
			DSN:             cfg.DSN,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		opts = append(opts, audit.WithBackend(store))
	default:
		return fmt.Errorf("未知的审计后端: %s", cfg.Backend)
	}

	auditor, err := audit.New(ctx, opts...)
	if err != nil {
		return err
	}
	a.Auditor = auditor
	return nil
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func (a *App) buildOrchestrator(alerter alerting.Dispatcher) error {
	cfg := a.Config.Orchestrator
	selector, err := orchestrator.SelectorByName(cfg.Selection)
	if err != nil {
		return err
	}
	var routerOpts []agent.RouterOption
	if cfg.EchoUnrouted {
		routerOpts = append(routerOpts, agent.WithFallback(agent.Echo))
	}
	a.Router = agent.NewRouter(routerOpts...)

	opts := []orchestrator.Option{
		orchestrator.WithAuditor(a.Auditor),
		orchestrator.WithInvoker(a.Router),
		orchestrator.WithPlanner(orchestrator.NewTablePlanner(cfg.TaskTypes)),
		orchestrator.WithSelector(selector),
		orchestrator.WithStepTimeout(cfg.StepTimeout()),
		orchestrator.WithStrict(cfg.Strict),
		orchestrator.WithRejectEmptyPlans(cfg.RejectEmptyPlans),
		orchestrator.WithMetrics(a.Metrics),
	}
	if cfg.MinTrustLevelDefault != nil {
		opts = append(opts, orchestrator.WithMinTrustLevel(*cfg.MinTrustLevelDefault))
	}
	if alerter != nil {
		opts = append(opts, orchestrator.WithAlertDispatcher(alerter))
	}
	a.Orchestrator = orchestrator.New(a.Registry, opts...)
	a.closers = append(a.closers, a.Orchestrator.Close)
	return nil
}

func (a *App) buildDispatch(ctx context.Context, alerter alerting.Dispatcher) error {
	cfg := a.Config.Dispatch
	var queue dispatch.Queue
	switch cfg.Driver {
	case "memory":
		queue = dispatch.NewMemoryQueue(1024, dispatch.WithMaxAttempts(cfg.MaxAttempts))
	case "redis":
		q, err := dispatch.NewRedisQueue(ctx, dispatch.RedisQueueConfig{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Queue:       cfg.Redis.Queue,
			BlockWait:   time.Duration(cfg.Redis.BlockWait) * time.Second,
			MaxAttempts: cfg.MaxAttempts,
			Consumer:    cfg.Redis.Consumer,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:         cfg.RabbitMQ.URL,
			Queue:       cfg.RabbitMQ.Queue,
			Prefetch:    cfg.RabbitMQ.Prefetch,
			Durable:     cfg.RabbitMQ.Durable,
			AutoDelete:  cfg.RabbitMQ.AutoDelete,
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
	a.closers = append(a.closers, queue.Close)

	a.Dispatch = dispatch.NewService(a.Orchestrator, queue)
	procOpts := []dispatch.ProcessorOption{dispatch.WithWorkerCount(cfg.Workers)}
	if alerter != nil {
		procOpts = append(procOpts, dispatch.WithAlertDispatcher(alerter))
	}
	a.Processor = dispatch.NewProcessor(a.Orchestrator, queue, procOpts...)
	return nil
}

// Run 启动队列处理器、可选的独立指标端口与管理 API，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		err := a.Processor.Start(processorCtx)
		if err != nil && !stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, dispatch.ErrQueueClosed) {
			a.log.Error("工作流处理器异常退出", slog.Any("error", err))
		}
	}()

	if addr := a.Config.Server.MetricsAddress; addr != "" {
		go func() {
			if err := a.Metrics.StartServer(processorCtx, addr); err != nil && !stdErrors.Is(err, context.Canceled) {
				a.log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	if err := a.Server.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close 按打开的逆序释放资源。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stdErrors.Join(errs...)
}

// OpenAuditor 只装配审计组件，供离线导出等命令使用。
func OpenAuditor(ctx context.Context, cfg *config.Config) (*audit.Auditor, func() error, error) {
	a := &App{Config: cfg, log: logger.Component("app")}
	if err := a.buildAuditor(ctx); err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a.Auditor, a.Close, nil
}
