package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/weblite/weblite/internal/cache"
	"github.com/weblite/weblite/internal/config"
	"github.com/weblite/weblite/internal/dispatcher"
	"github.com/weblite/weblite/internal/logging"
	"github.com/weblite/weblite/internal/metrics"
	"github.com/weblite/weblite/internal/server"
	"github.com/weblite/weblite/internal/server/routes"
	"github.com/weblite/weblite/internal/version"
)

// shutdownTimeout 限制 Fiber 优雅关闭的等待时间。
const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, opts)
	stop()
	os.Exit(code)
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_paths"] = config.QuotaSummary(cfg.CachePaths)
		fields["index_file"] = cfg.IndexPath()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 日志 → 缓存索引 → Dispatcher → HTTP 网关”，
	// 索引文件锁保证同一存储目录只被一个进程持有。
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	layout, err := cache.NewLayout(cfg.Global.StoragePath, pathSpecs(cfg.CachePaths))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	index, err := cache.Open(layout, cache.Options{
		IndexFile: cfg.IndexPath(),
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "打开缓存索引失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := index.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("index_close_failed")
		}
	}()

	userAgent := cfg.Global.UserAgent
	if userAgent == "" {
		userAgent = config.DefaultUserAgent(version.Version)
	}
	d, err := dispatcher.New(dispatcher.Options{
		Index:        index,
		Client:       server.NewUpstreamClient(cfg),
		MaxRedirects: cfg.Global.MaxRedirects,
		UserAgent:    userAgent,
		Offline:      cfg.Global.Offline,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 Dispatcher 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = layout.Base()
	fields["cache_paths"] = config.QuotaSummary(cfg.CachePaths)
	fields["cache_entries"] = len(index.Entries())
	fields["offline"] = cfg.Global.Offline
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, cfg, d, reg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("weblite", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 WEBLITE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("WEBLITE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// serve 同时运行 Dispatcher 事件循环与 Fiber 网关，任意一方退出都会带停另一方。
func serve(ctx context.Context, cfg *config.Config, d *dispatcher.Dispatcher, gatherer prometheus.Gatherer, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Dispatcher:     d,
		ResendInterval: cfg.Global.ResendInterval.DurationValue(),
		AbortTimeout:   cfg.Global.AbortTimeout.DurationValue(),
		WaitTimeout:    cfg.Global.GatewayWaitTimeout.DurationValue(),
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticRoutes(app, d)
	routes.RegisterMetricsRoute(app, gatherer)
	server.NotFound(app)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		port := cfg.Global.ListenPort
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.WithField("action", "shutdown").Info("服务已停止")
	return nil
}

func pathSpecs(paths []config.CachePathConfig) []cache.PathSpec {
	specs := make([]cache.PathSpec, 0, len(paths))
	for _, p := range paths {
		specs = append(specs, cache.PathSpec{
			Name:         p.Name,
			Quota:        p.Quota.Bytes(),
			ContentTypes: append([]string(nil), p.ContentTypes...),
		})
	}
	return specs
}
