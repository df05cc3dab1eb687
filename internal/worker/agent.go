package worker

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"modelsched/pkg/model"
	"modelsched/pkg/store"
)

const DefaultHeartbeatInterval = 5 * time.Second

// NodeRegistrar Agent 对存储层的需求
type NodeRegistrar interface {
	RegisterNode(ctx context.Context, node *model.Node) error
	DeleteNode(ctx context.Context, id string) error
}

// Agent 在节点上运行，把本机注册进节点清单并定期心跳
// 调度器只读这份清单；Agent 停止时主动下线，etcd 租约过期兜底
type Agent struct {
	ID       string
	Name     string
	Address  string
	interval time.Duration

	store  NodeRegistrar
	logger *zap.Logger
	now    func() time.Time
}

func NewAgent(s NodeRegistrar, id, address string, interval time.Duration, logger *zap.Logger) *Agent {
	hostname, _ := os.Hostname()
	if id == "" {
		id = hostname
	}
	if id == "" {
		id = uuid.NewString()
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Agent{
		ID:       id,
		Name:     hostname,
		Address:  address,
		interval: interval,
		store:    s,
		logger:   logger.Named("agent").With(zap.String("node", id)),
		now:      time.Now,
	}
}

// Run 阻塞到 ctx 结束
func (a *Agent) Run(ctx context.Context) {
	a.logger.Info("node agent started", zap.String("address", a.Address), zap.Duration("interval", a.interval))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.register(ctx)
	for {
		select {
		case <-ticker.C:
			a.register(ctx)
		case <-ctx.Done():
			a.deregister()
			return
		}
	}
}

func (a *Agent) node(status model.NodeStatus) *model.Node {
	return &model.Node{
		ID:            a.ID,
		Name:          a.Name,
		Address:       a.Address,
		Status:        status,
		LastHeartbeat: a.now().Unix(),
	}
}

func (a *Agent) register(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()

	if err := a.store.RegisterNode(ctx, a.node(model.NodeReady)); err != nil {
		a.logger.Warn("failed to register node", zap.Error(err))
	}
}

// deregister 先标记 OFFLINE 让调度器停止往这里放实例，再从清单里删除
func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.RegisterNode(ctx, a.node(model.NodeOffline)); err != nil {
		a.logger.Warn("failed to mark node offline", zap.Error(err))
	}

	err := a.store.DeleteNode(ctx, a.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("failed to deregister node", zap.Error(err))
		return
	}
	a.logger.Info("node deregistered")
}
