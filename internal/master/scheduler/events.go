package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"modelsched/pkg/store"
)

// watchInstances 事件驱动路径
// 订阅断开不会让循环退出，而是按指数退避重新订阅，直到 ctx 结束
func (s *Scheduler) watchInstances(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(s.cfg.EventConcurrency))
	bo := s.newResubscribeBackOff()

	for {
		eventCh, err := s.bus.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("failed to subscribe to instance events", zap.Error(err))
		} else {
			s.logger.Info("watching for model instance events")
			if s.consumeEvents(ctx, eventCh, sem) {
				bo.Reset()
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("instance event stream ended")
		}

		wait := bo.NextBackOff()
		s.logger.Info("resubscribing to instance events", zap.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return
		}
		s.metrics.resubscriptions.Inc()
	}
}

// consumeEvents 消费一个订阅直到它关闭，返回期间是否收到过事件
func (s *Scheduler) consumeEvents(ctx context.Context, eventCh <-chan store.InstanceEvent, sem *semaphore.Weighted) bool {
	received := false
	for {
		select {
		case <-ctx.Done():
			return received
		case ev, ok := <-eventCh:
			if !ok {
				return received
			}
			received = true

			if ev.Type == store.EventDeleted || ev.Instance == nil {
				continue
			}

			// 限制并发；ctx 结束时 Acquire 直接返回错误
			if err := sem.Acquire(ctx, 1); err != nil {
				return received
			}
			s.inflight.Add(1)
			mi := ev.Instance
			// 异步调度，防止阻塞 Watch 循环；已开始的尝试不随 ctx 取消，保证退出时能写完
			go func() {
				defer s.inflight.Done()
				defer sem.Release(1)
				s.Schedule(context.WithoutCancel(ctx), TriggerEvent, mi)
			}()
		}
	}
}

func (s *Scheduler) newResubscribeBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ResubscribeInitialInterval
	bo.MaxInterval = s.cfg.ResubscribeMaxInterval
	bo.MaxElapsedTime = 0 // 永不放弃
	bo.Reset()
	return bo
}

// sleepCtx 等待 d，ctx 先结束则返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
