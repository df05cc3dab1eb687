package scheduler

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultReconcileInterval    = 30 * time.Second
	DefaultReconcileConcurrency = 8
	DefaultEventConcurrency     = 4
	DefaultAttemptTimeout       = 10 * time.Second
	DefaultMaxCommitAttempts    = 3
)

// Config 调度器的可调参数
type Config struct {
	// ReconcileInterval 补偿扫描的周期
	ReconcileInterval time.Duration
	// ReconcileOnStart 启动时先扫一次，捡回订阅建立之前就已经存在的 PENDING 实例
	ReconcileOnStart bool
	// ReconcileConcurrency 单次扫描内同时处理的实例数上限
	ReconcileConcurrency int
	// EventConcurrency 事件驱动路径同时处理的实例数上限
	EventConcurrency int

	// AttemptTimeout 单个实例一次调度 (读-查-写) 的超时
	AttemptTimeout time.Duration
	// MaxCommitAttempts 提交遇到版本冲突时最多重读几次
	MaxCommitAttempts int

	// 事件流断开后重新订阅的退避区间
	ResubscribeInitialInterval time.Duration
	ResubscribeMaxInterval     time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:          DefaultReconcileInterval,
		ReconcileOnStart:           true,
		ReconcileConcurrency:       DefaultReconcileConcurrency,
		EventConcurrency:           DefaultEventConcurrency,
		AttemptTimeout:             DefaultAttemptTimeout,
		MaxCommitAttempts:          DefaultMaxCommitAttempts,
		ResubscribeInitialInterval: 500 * time.Millisecond,
		ResubscribeMaxInterval:     30 * time.Second,
	}
}

// Validate 检查配置是否可用
func (c Config) Validate() error {
	var errs []error
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("reconcile interval must be positive, got %s", c.ReconcileInterval))
	}
	if c.ReconcileConcurrency < 1 {
		errs = append(errs, fmt.Errorf("reconcile concurrency must be at least 1, got %d", c.ReconcileConcurrency))
	}
	if c.EventConcurrency < 1 {
		errs = append(errs, fmt.Errorf("event concurrency must be at least 1, got %d", c.EventConcurrency))
	}
	if c.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("attempt timeout must be positive, got %s", c.AttemptTimeout))
	}
	if c.MaxCommitAttempts < 1 {
		errs = append(errs, fmt.Errorf("max commit attempts must be at least 1, got %d", c.MaxCommitAttempts))
	}
	if c.ResubscribeInitialInterval <= 0 || c.ResubscribeMaxInterval < c.ResubscribeInitialInterval {
		errs = append(errs, fmt.Errorf("invalid resubscribe backoff [%s, %s]",
			c.ResubscribeInitialInterval, c.ResubscribeMaxInterval))
	}
	return errors.Join(errs...)
}
