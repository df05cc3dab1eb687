package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"modelsched/pkg/model"
	"modelsched/pkg/store"
)

// CommitResult 提交结果
type CommitResult int

const (
	// CommitAssigned 本次写入完成了绑定
	CommitAssigned CommitResult = iota
	// CommitSkipped 重读后发现实例已被调度或已删除，什么都没写
	CommitSkipped
)

// Committer 把调度决策持久化
//
// 每次提交都重新从 Store 读取实例，不复用事件里带过来的快照；
// 写入使用读到的 Revision 做 CAS，与另一个触发源 (或另一个副本) 竞争失败时重读再判断。
type Committer struct {
	store       store.Store
	maxAttempts int
	logger      *zap.Logger
}

// NewCommitter 创建 Committer
func NewCommitter(s store.Store, maxAttempts int, logger *zap.Logger) *Committer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{store: s, maxAttempts: maxAttempts, logger: logger}
}

// Commit 将实例绑定到 node，已绑定的实例是静默 no-op
func (c *Committer) Commit(ctx context.Context, instanceID string, node *model.Node) (CommitResult, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		// 1. 重新加载最新状态
		mi, err := c.store.GetInstance(ctx, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return CommitSkipped, nil
		}
		if err != nil {
			return CommitSkipped, fmt.Errorf("load instance %s: %w", instanceID, err)
		}

		// 2. 乐观检查
		if !eligible(mi) {
			c.logger.Debug("instance already scheduled, skipping commit",
				zap.String("instance", instanceID), zap.String("node", mi.NodeID))
			return CommitSkipped, nil
		}

		// 3. 绑定，PENDING -> ASSIGNED (后续状态交给下游生命周期管理)
		mi.NodeID = node.ID
		mi.NodeIP = node.Address
		mi.State = model.InstanceAssigned

		// 4. CAS 写入
		err = c.store.UpdateInstance(ctx, mi)
		switch {
		case err == nil:
			return CommitAssigned, nil
		case errors.Is(err, store.ErrNotFound):
			return CommitSkipped, nil
		case errors.Is(err, store.ErrConflict):
			c.logger.Debug("instance changed during commit, reloading",
				zap.String("instance", instanceID), zap.Int("attempt", attempt))
			continue
		default:
			return CommitSkipped, fmt.Errorf("update instance %s: %w", instanceID, err)
		}
	}
	return CommitSkipped, fmt.Errorf("instance %s: gave up after %d conflicting commits", instanceID, c.maxAttempts)
}
