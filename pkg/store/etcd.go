package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"modelsched/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
const (
	InstanceKeyPrefix = "/modelsched/instances/"
	NodeKeyPrefix     = "/modelsched/nodes/"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultPageSize    = 500
	defaultNodeTTL     = 15 // 秒
)

// EtcdManager 基于 etcd 的 Store + EventBus 实现
type EtcdManager struct {
	client   *clientv3.Client
	logger   *zap.Logger
	pageSize int64
	nodeTTL  int64

	// leases 每个节点复用同一个租约，心跳时续约而不是重新申请
	leaseMu sync.Mutex
	leases  map[string]clientv3.LeaseID
}

// EtcdOption 可选配置
type EtcdOption func(*EtcdManager)

// WithPageSize 范围读取时每页的 key 数量
func WithPageSize(n int64) EtcdOption {
	return func(e *EtcdManager) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithNodeTTL 节点注册使用的租约时长 (秒)，0 表示不挂租约
func WithNodeTTL(seconds int64) EtcdOption {
	return func(e *EtcdManager) {
		e.nodeTTL = seconds
	}
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, logger *zap.Logger, opts ...EtcdOption) (*EtcdManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return NewEtcdManagerFromClient(cli, logger, opts...), nil
}

// NewEtcdManagerFromClient 复用一个已有的 client
func NewEtcdManagerFromClient(cli *clientv3.Client, logger *zap.Logger, opts ...EtcdOption) *EtcdManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &EtcdManager{
		client:   cli,
		logger:   logger.Named("etcd"),
		pageSize: defaultPageSize,
		nodeTTL:  defaultNodeTTL,
		leases:   make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close 关闭底层连接
func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.Node) error {
	bytes, err := json.Marshal(node)
	if err != nil {
		return err
	}

	var opts []clientv3.OpOption
	if e.nodeTTL > 0 {
		// 节点挂掉后租约过期，key 自动删除，调度器就看不到它了
		leaseID, err := e.nodeLease(ctx, node.ID)
		if err != nil {
			return err
		}
		opts = append(opts, clientv3.WithLease(leaseID))
	}

	_, err = e.client.Put(ctx, NodeKeyPrefix+node.ID, string(bytes), opts...)
	return err
}

// nodeLease 续约已有的租约；租约不存在 (已过期) 或续约失败时重新申请一个
func (e *EtcdManager) nodeLease(ctx context.Context, nodeID string) (clientv3.LeaseID, error) {
	e.leaseMu.Lock()
	defer e.leaseMu.Unlock()

	if id, ok := e.leases[nodeID]; ok {
		_, err := e.client.KeepAliveOnce(ctx, id)
		if err == nil {
			return id, nil
		}
		e.logger.Warn("failed to keep node lease alive, granting a new one",
			zap.String("node", nodeID), zap.Error(err))
		delete(e.leases, nodeID)
	}

	lease, err := e.client.Grant(ctx, e.nodeTTL)
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("grant node lease: %w", err)
	}
	e.leases[nodeID] = lease.ID
	return lease.ID, nil
}

func (e *EtcdManager) GetNode(ctx context.Context, id string) (*model.Node, error) {
	resp, err := e.client.Get(ctx, NodeKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	var node model.Node
	if err := json.Unmarshal(resp.Kvs[0].Value, &node); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	return &node, nil
}

// ListNodes etcd 按 key 字典序返回，因此结果按 ID 有序
func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	nodes := make([]*model.Node, 0)
	err := e.rangePrefix(ctx, NodeKeyPrefix, func(key string, value []byte, _ int64) {
		var node model.Node
		if err := json.Unmarshal(value, &node); err != nil {
			e.logger.Warn("failed to unmarshal node", zap.String("key", key), zap.Error(err))
			return
		}
		nodes = append(nodes, &node)
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (e *EtcdManager) DeleteNode(ctx context.Context, id string) error {
	resp, err := e.client.Delete(ctx, NodeKeyPrefix+id)
	if err != nil {
		return err
	}

	e.leaseMu.Lock()
	leaseID, ok := e.leases[id]
	delete(e.leases, id)
	e.leaseMu.Unlock()
	if ok {
		if _, err := e.client.Revoke(ctx, leaseID); err != nil {
			e.logger.Debug("failed to revoke node lease", zap.String("node", id), zap.Error(err))
		}
	}

	if resp.Deleted == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------
// ModelInstance 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) CreateInstance(ctx context.Context, mi *model.ModelInstance) error {
	key := InstanceKeyPrefix + mi.ID
	if mi.CreatedAt.IsZero() {
		mi.CreatedAt = time.Now()
	}
	mi.UpdatedAt = mi.CreatedAt
	bytes, err := json.Marshal(mi)
	if err != nil {
		return err
	}

	// CreateRevision == 0 说明 key 不存在
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(bytes))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("instance %s: %w", mi.ID, ErrExists)
	}
	mi.Revision = resp.Header.Revision
	return nil
}

func (e *EtcdManager) GetInstance(ctx context.Context, id string) (*model.ModelInstance, error) {
	resp, err := e.client.Get(ctx, InstanceKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	kv := resp.Kvs[0]
	mi, err := decodeInstance(kv.Value, kv.ModRevision)
	if err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return mi, nil
}

func (e *EtcdManager) ListInstances(ctx context.Context) ([]*model.ModelInstance, error) {
	return e.listInstances(ctx, func(*model.ModelInstance) bool { return true })
}

// ListInstancesByState etcd 没有二级索引，分页扫描前缀后在客户端过滤
func (e *EtcdManager) ListInstancesByState(ctx context.Context, state model.InstanceState) ([]*model.ModelInstance, error) {
	return e.listInstances(ctx, func(mi *model.ModelInstance) bool { return mi.State == state })
}

func (e *EtcdManager) listInstances(ctx context.Context, keep func(*model.ModelInstance) bool) ([]*model.ModelInstance, error) {
	out := make([]*model.ModelInstance, 0)
	err := e.rangePrefix(ctx, InstanceKeyPrefix, func(key string, value []byte, rev int64) {
		mi, err := decodeInstance(value, rev)
		if err != nil {
			e.logger.Warn("failed to unmarshal instance", zap.String("key", key), zap.Error(err))
			return
		}
		if keep(mi) {
			out = append(out, mi)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateInstance Revision 非 0 时用事务做 CAS，否则只要求 key 存在
func (e *EtcdManager) UpdateInstance(ctx context.Context, mi *model.ModelInstance) error {
	key := InstanceKeyPrefix + mi.ID
	mi.UpdatedAt = time.Now()
	bytes, err := json.Marshal(mi)
	if err != nil {
		return err
	}

	cmp := clientv3.Compare(clientv3.CreateRevision(key), ">", 0)
	if mi.Revision != 0 {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", mi.Revision)
	}

	resp, err := e.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(bytes))).
		Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		if len(resp.Responses) > 0 {
			if rr := resp.Responses[0].GetResponseRange(); rr != nil && rr.Count == 0 {
				return fmt.Errorf("instance %s: %w", mi.ID, ErrNotFound)
			}
		}
		return fmt.Errorf("instance %s at revision %d: %w", mi.ID, mi.Revision, ErrConflict)
	}
	mi.Revision = resp.Header.Revision
	return nil
}

func (e *EtcdManager) DeleteInstance(ctx context.Context, id string) error {
	resp, err := e.client.Delete(ctx, InstanceKeyPrefix+id)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------
// EventBus 实现
// ---------------------------------------------------------

// Subscribe 将 Etcd 的 Watch 转换为业务 Channel
// watch 出错 (比如 compaction 或失去 leader) 时关闭通道，由调用方重新订阅
func (e *EtcdManager) Subscribe(ctx context.Context) (<-chan InstanceEvent, error) {
	eventCh := make(chan InstanceEvent)

	// 失去 leader 时让 watch 主动报错，而不是一直挂着
	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	watchCh := e.client.Watch(watchCtx, InstanceKeyPrefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

	go func() {
		defer close(eventCh)
		defer cancel()

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				e.logger.Warn("instance watch terminated", zap.Error(err))
				return
			}
			for _, ev := range watchResp.Events {
				event, ok := e.convertEvent(ev)
				if !ok {
					continue
				}
				select {
				case eventCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventCh, nil
}

func (e *EtcdManager) convertEvent(ev *clientv3.Event) (InstanceEvent, bool) {
	switch ev.Type {
	case clientv3.EventTypePut:
		mi, err := decodeInstance(ev.Kv.Value, ev.Kv.ModRevision)
		if err != nil {
			e.logger.Warn("failed to unmarshal instance event", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
			return InstanceEvent{}, false
		}
		eventType := EventUpdated
		if ev.IsCreate() {
			eventType = EventCreated
		}
		return InstanceEvent{Type: eventType, Instance: mi}, true

	case clientv3.EventTypeDelete:
		// 删除事件只有 key，快照来自 PrevKV
		mi := &model.ModelInstance{ID: strings.TrimPrefix(string(ev.Kv.Key), InstanceKeyPrefix)}
		if ev.PrevKv != nil {
			if prev, err := decodeInstance(ev.PrevKv.Value, ev.PrevKv.ModRevision); err == nil {
				mi = prev
			}
		}
		return InstanceEvent{Type: EventDeleted, Instance: mi}, true
	}
	return InstanceEvent{}, false
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// rangePrefix 分页遍历某个前缀下的所有 key，避免一次性把大结果集拉进内存
func (e *EtcdManager) rangePrefix(ctx context.Context, prefix string, fn func(key string, value []byte, rev int64)) error {
	end := clientv3.GetPrefixRangeEnd(prefix)
	from := prefix
	var rev int64

	for {
		opts := []clientv3.OpOption{
			clientv3.WithRange(end),
			clientv3.WithLimit(e.pageSize),
		}
		// 后续页固定在第一页的 revision 上，保证是同一个快照
		if rev != 0 {
			opts = append(opts, clientv3.WithRev(rev))
		}

		resp, err := e.client.Get(ctx, from, opts...)
		if err != nil {
			return err
		}
		if rev == 0 {
			rev = resp.Header.Revision
		}

		for _, kv := range resp.Kvs {
			fn(string(kv.Key), kv.Value, kv.ModRevision)
		}
		if !resp.More || len(resp.Kvs) == 0 {
			return nil
		}
		from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}

func decodeInstance(value []byte, rev int64) (*model.ModelInstance, error) {
	var mi model.ModelInstance
	if err := json.Unmarshal(value, &mi); err != nil {
		return nil, err
	}
	mi.Revision = rev
	return &mi, nil
}
