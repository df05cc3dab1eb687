package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modelsched/pkg/model"
	"modelsched/pkg/store"
)

const (
	TriggerEvent     = "event"
	TriggerReconcile = "reconcile"
)

// Outcome 一次调度尝试的结果
type Outcome int

const (
	OutcomeAssigned Outcome = iota // 绑定成功
	OutcomeSkipped                 // 不需要调度 (已绑定、已删除)
	OutcomeNoNode                  // 没有可用节点，保持 PENDING
	OutcomeFailed                  // 出错，保持 PENDING 等下次重试
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAssigned:
		return "assigned"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNoNode:
		return "no_node"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Scheduler 核心调度器
// 事件触发和周期补偿扫描两条路径共用同一条 决策 -> 选点 -> 提交 流水线
type Scheduler struct {
	store     store.Store    // 依赖 Store 接口读写实例和节点
	bus       store.EventBus // 实例变更通知
	strategy  PlacementStrategy
	committer *Committer
	cfg       Config
	logger    *zap.Logger
	metrics   *schedulerMetrics

	registerer prometheus.Registerer

	// inflight 事件路径上异步执行的调度尝试，退出前等它们写完
	inflight sync.WaitGroup
}

// Option 构造选项
type Option func(*Scheduler)

// WithStrategy 替换选点策略
func WithStrategy(p PlacementStrategy) Option {
	return func(s *Scheduler) { s.strategy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithConfig(c Config) Option {
	return func(s *Scheduler) { s.cfg = c }
}

// WithRegisterer 指标注册到哪个 registry
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.registerer = reg }
}

// NewScheduler 构造函数 (依赖注入 Store 和 EventBus)
func NewScheduler(st store.Store, bus store.EventBus, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:    st,
		bus:      bus,
		strategy: ReadyNodes{Next: FirstNode{}},
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.strategy == nil {
		s.strategy = FirstNode{}
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if st == nil || bus == nil {
		return nil, fmt.Errorf("scheduler requires both a store and an event bus")
	}

	s.logger = s.logger.Named("scheduler")
	s.committer = NewCommitter(st, s.cfg.MaxCommitAttempts, s.logger)
	s.metrics = newSchedulerMetrics(s.registerer)
	return s, nil
}

// Run 启动调度主循环，阻塞到 ctx 结束且在途的调度都写完
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("reconcile_interval", s.cfg.ReconcileInterval),
		zap.Int("reconcile_concurrency", s.cfg.ReconcileConcurrency),
		zap.Int("event_concurrency", s.cfg.EventConcurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.watchInstances(gctx)
		return nil
	})
	g.Go(func() error {
		s.reconcileLoop(gctx)
		return nil
	})
	err := g.Wait()

	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// Schedule 对单个实例执行一次完整的调度尝试
// 所有错误 (包括 panic) 都在这里被吃掉并记录，不会影响其他实例和触发循环
func (s *Scheduler) Schedule(ctx context.Context, trigger string, mi *model.ModelInstance) (outcome Outcome) {
	if mi == nil {
		return OutcomeSkipped
	}

	start := time.Now()
	log := s.logger.With(zap.String("instance", mi.ID), zap.String("trigger", trigger))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while scheduling model instance", zap.Any("panic", r), zap.Stack("stack"))
			outcome = OutcomeFailed
		}
		s.metrics.observe(trigger, outcome, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	outcome, err := s.scheduleOne(ctx, log, mi)
	if err != nil {
		log.Error("failed to schedule model instance", zap.Error(err))
		return OutcomeFailed
	}
	return outcome
}

// scheduleOne 执行单次调度逻辑
func (s *Scheduler) scheduleOne(ctx context.Context, log *zap.Logger, mi *model.ModelInstance) (Outcome, error) {
	// Step 1: 决策 - 已经绑定过的直接跳过
	if !eligible(mi) {
		return OutcomeSkipped, nil
	}

	// Step 2: 获取当前集群所有节点快照
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("list nodes: %w", err)
	}

	// Step 3: 选点
	node, ok := s.strategy.Place(mi, nodes)
	if !ok || node == nil {
		log.Debug("no node available, instance stays pending", zap.Int("nodes", len(nodes)))
		return OutcomeNoNode, nil
	}

	// Step 4: Bind - 重读、复查、CAS 写入
	result, err := s.committer.Commit(ctx, mi.ID, node)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("bind to node %s: %w", node.ID, err)
	}
	if result == CommitSkipped {
		return OutcomeSkipped, nil
	}

	log.Info("scheduled model instance", zap.String("node", node.ID), zap.String("node_ip", node.Address))
	return OutcomeAssigned, nil
}
