package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modelsched/internal/logging"
	"modelsched/internal/master/httpapi"
	"modelsched/internal/master/scheduler"
	"modelsched/pkg/store"
)

type options struct {
	storeKind     string
	etcdEndpoints []string
	httpAddr      string
	logLevel      string
	logFormat     string
	cfg           scheduler.Config
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	o := &options{cfg: scheduler.DefaultConfig()}

	cmd := &cobra.Command{
		Use:          "master",
		Short:        "Run the model instance scheduler",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}

	o.AddFlags(cmd.Flags())
	return cmd
}

// AddFlags 把进程参数和调度器配置绑定到 flag 集合
func (o *options) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.storeKind, "store", "etcd", "backing store: etcd, or memory (single process, fed through the HTTP API)")
	flags.StringSliceVar(&o.etcdEndpoints, "etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	flags.StringVar(&o.httpAddr, "http-addr", ":9090", "address for /healthz, /metrics and the read-only API (empty disables)")
	flags.StringVar(&o.logLevel, "log-level", "info", "log level")
	flags.StringVar(&o.logFormat, "log-format", "json", "log format: json or console")
	flags.DurationVar(&o.cfg.ReconcileInterval, "reconcile-interval", o.cfg.ReconcileInterval, "interval between sweeps of PENDING instances")
	flags.BoolVar(&o.cfg.ReconcileOnStart, "reconcile-on-start", o.cfg.ReconcileOnStart, "sweep PENDING instances once at startup")
	flags.IntVar(&o.cfg.ReconcileConcurrency, "reconcile-concurrency", o.cfg.ReconcileConcurrency, "max instances scheduled in parallel per sweep")
	flags.IntVar(&o.cfg.EventConcurrency, "event-concurrency", o.cfg.EventConcurrency, "max instances scheduled in parallel from events")
	flags.DurationVar(&o.cfg.AttemptTimeout, "attempt-timeout", o.cfg.AttemptTimeout, "timeout for one scheduling attempt")
	flags.IntVar(&o.cfg.MaxCommitAttempts, "max-commit-attempts", o.cfg.MaxCommitAttempts, "re-reads allowed when a commit hits a revision conflict")
}

func run(ctx context.Context, o *options) error {
	logger, err := logging.New(o.logLevel, o.logFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 1. 初始化存储 (Store 和 EventBus 是两个独立注入的依赖，这里碰巧是同一个实现)
	st, bus, closeStore, err := openStore(o, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer closeStore()

	// 2. 初始化调度器 (依赖注入)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched, err := scheduler.NewScheduler(st, bus,
		scheduler.WithConfig(o.cfg),
		scheduler.WithLogger(logger),
		scheduler.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}

	// 3. 优雅退出 (Graceful Shutdown)：收到信号后取消 ctx，等在途调度写完
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})

	// 4. 运维接口
	if o.httpAddr != "" {
		srv := &http.Server{
			Addr:              o.httpAddr,
			Handler:           httpapi.NewRouter(st, reg, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", zap.String("addr", o.httpAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down master")
	return err
}

func openStore(o *options, logger *zap.Logger) (store.Store, store.EventBus, func(), error) {
	switch o.storeKind {
	case "etcd":
		etcdManager, err := store.NewEtcdManager(o.etcdEndpoints, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("connected to etcd", zap.Strings("endpoints", o.etcdEndpoints))
		return etcdManager, etcdManager, func() { _ = etcdManager.Close() }, nil
	case "memory":
		// 内存模式下 HTTP 接口是唯一的写入口
		if o.httpAddr == "" {
			return nil, nil, nil, fmt.Errorf("--store=memory requires --http-addr")
		}
		mem, err := store.NewMemStore(logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Warn("using in-memory store, state is lost on exit")
		return mem, mem, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store %q (want etcd or memory)", o.storeKind)
}
