package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modelsched/pkg/model"
)

// ReconcileStats 一次补偿扫描的统计
type ReconcileStats struct {
	Pending  int
	Assigned int
	Skipped  int
	NoNode   int
	Failed   int
}

func (r *ReconcileStats) add(o Outcome) {
	switch o {
	case OutcomeAssigned:
		r.Assigned++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeNoNode:
		r.NoNode++
	case OutcomeFailed:
		r.Failed++
	}
}

// reconcileLoop 周期补偿扫描：捡回事件丢失、订阅前就存在或上次调度失败的实例
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	if s.cfg.ReconcileOnStart {
		s.runReconcile(ctx)
	}

	// Ticker 在扫描变慢时会丢 tick，不会堆积
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runReconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	stats, err := s.Reconcile(ctx)
	if err != nil {
		s.logger.Warn("reconcile sweep failed", zap.Error(err))
		return
	}
	if stats.Pending > 0 {
		s.logger.Info("reconcile sweep finished",
			zap.Int("pending", stats.Pending),
			zap.Int("assigned", stats.Assigned),
			zap.Int("no_node", stats.NoNode),
			zap.Int("failed", stats.Failed))
	}
}

// Reconcile 扫描所有 PENDING 实例并逐个送进调度流水线
// 单个实例失败不影响同批次的其他实例；ctx 结束后不再启动新的尝试，已开始的会写完
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	instances, err := s.store.ListInstancesByState(ctx, model.InstancePending)
	if err != nil {
		return stats, fmt.Errorf("list pending instances: %w", err)
	}
	stats.Pending = len(instances)
	s.metrics.pending.Set(float64(len(instances)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.ReconcileConcurrency)

	for _, mi := range instances {
		if ctx.Err() != nil {
			break
		}
		mi := mi // per-iteration copy; go directive is 1.21 (pre-1.22 loopvar semantics)
		g.Go(func() error {
			outcome := s.Schedule(context.WithoutCancel(ctx), TriggerReconcile, mi)
			mu.Lock()
			stats.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return stats, nil
}
