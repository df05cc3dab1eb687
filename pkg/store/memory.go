package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"go.uber.org/zap"

	"modelsched/pkg/model"
)

const (
	nodesTable     = "nodes"
	instancesTable = "instances"

	defaultSubscriberBuffer = 64
)

// memSchema 内存库的表结构
func memSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			nodesTable: {
				Name: nodesTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			instancesTable: {
				Name: instancesTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					// 调度器的补偿扫描按 state 查询
					"state": {
						Name:         "state",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
		},
	}
}

// MemStore 基于 go-memdb 的 Store + EventBus 实现
// 用于单机开发模式和测试。写事务在 memdb 内部串行，因此 CAS 是原子的
type MemStore struct {
	db     *memdb.MemDB
	logger *zap.Logger

	// revision 只在写事务内递增
	revision int64

	// subs 订阅通道 -> 该订阅的 done 信号
	subsMu    sync.Mutex
	subs      map[chan InstanceEvent]chan struct{}
	subBuffer int
}

// NewMemStore 创建一个空的内存存储
func NewMemStore(logger *zap.Logger) (*MemStore, error) {
	db, err := memdb.NewMemDB(memSchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemStore{
		db:        db,
		logger:    logger.Named("memstore"),
		subs:      make(map[chan InstanceEvent]chan struct{}),
		subBuffer: defaultSubscriberBuffer,
	}, nil
}

// ---------------------------------------------------------
// Node
// ---------------------------------------------------------

func (s *MemStore) RegisterNode(_ context.Context, node *model.Node) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(nodesTable, node.Copy()); err != nil {
		return fmt.Errorf("insert node %s: %w", node.ID, err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) GetNode(_ context.Context, id string) (*model.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(nodesTable, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return raw.(*model.Node).Copy(), nil
}

// ListNodes id 索引是有序的基数树，结果按 ID 升序
func (s *MemStore) ListNodes(_ context.Context) ([]*model.Node, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(nodesTable, "id")
	if err != nil {
		return nil, err
	}
	nodes := make([]*model.Node, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		nodes = append(nodes, raw.(*model.Node).Copy())
	}
	return nodes, nil
}

func (s *MemStore) DeleteNode(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(nodesTable, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err := txn.Delete(nodesTable, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ---------------------------------------------------------
// ModelInstance
// ---------------------------------------------------------

func (s *MemStore) CreateInstance(_ context.Context, mi *model.ModelInstance) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(instancesTable, "id", mi.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("instance %s: %w", mi.ID, ErrExists)
	}

	stored := mi.Copy()
	stored.Revision = s.nextRevision()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt
	if err := txn.Insert(instancesTable, stored); err != nil {
		return fmt.Errorf("insert instance %s: %w", mi.ID, err)
	}
	txn.Commit()

	mi.Revision = stored.Revision
	mi.CreatedAt, mi.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	s.publish(InstanceEvent{Type: EventCreated, Instance: stored.Copy()})
	return nil
}

func (s *MemStore) GetInstance(_ context.Context, id string) (*model.ModelInstance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(instancesTable, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return raw.(*model.ModelInstance).Copy(), nil
}

func (s *MemStore) ListInstances(_ context.Context) ([]*model.ModelInstance, error) {
	return s.listInstances("id")
}

func (s *MemStore) ListInstancesByState(_ context.Context, state model.InstanceState) ([]*model.ModelInstance, error) {
	return s.listInstances("state", string(state))
}

func (s *MemStore) listInstances(index string, args ...interface{}) ([]*model.ModelInstance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(instancesTable, index, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ModelInstance, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*model.ModelInstance).Copy())
	}
	return out, nil
}

// UpdateInstance 比较和写入在同一个写事务里完成
func (s *MemStore) UpdateInstance(_ context.Context, mi *model.ModelInstance) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(instancesTable, "id", mi.ID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("instance %s: %w", mi.ID, ErrNotFound)
	}
	current := raw.(*model.ModelInstance)
	if mi.Revision != 0 && current.Revision != mi.Revision {
		return fmt.Errorf("instance %s at revision %d (stored %d): %w",
			mi.ID, mi.Revision, current.Revision, ErrConflict)
	}

	stored := mi.Copy()
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now()
	stored.Revision = s.nextRevision()
	if err := txn.Insert(instancesTable, stored); err != nil {
		return fmt.Errorf("update instance %s: %w", mi.ID, err)
	}
	txn.Commit()

	mi.Revision = stored.Revision
	mi.UpdatedAt = stored.UpdatedAt
	s.publish(InstanceEvent{Type: EventUpdated, Instance: stored.Copy()})
	return nil
}

func (s *MemStore) DeleteInstance(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(instancesTable, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err := txn.Delete(instancesTable, raw); err != nil {
		return err
	}
	s.nextRevision()
	txn.Commit()

	s.publish(InstanceEvent{Type: EventDeleted, Instance: raw.(*model.ModelInstance).Copy()})
	return nil
}

// nextRevision 必须在写事务内调用
func (s *MemStore) nextRevision() int64 {
	s.revision++
	return s.revision
}

// ---------------------------------------------------------
// EventBus
// ---------------------------------------------------------

// Subscribe 订阅实例变更，ctx 结束时自动退订并关闭通道
func (s *MemStore) Subscribe(ctx context.Context) (<-chan InstanceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan InstanceEvent, s.subBuffer)
	done := make(chan struct{})
	s.subsMu.Lock()
	s.subs[ch] = done
	s.subsMu.Unlock()

	// 订阅被 CloseSubscriptions 关掉时这个 goroutine 也要退出
	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(ch)
		case <-done:
		}
	}()
	return ch, nil
}

// CloseSubscriptions 关闭所有订阅，模拟上游数据流中断
func (s *MemStore) CloseSubscriptions() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch, done := range s.subs {
		delete(s.subs, ch)
		close(ch)
		close(done)
	}
}

// Subscribers 当前订阅者数量
func (s *MemStore) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

func (s *MemStore) unsubscribe(ch chan InstanceEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if done, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
		close(done)
	}
}

// publish 不阻塞写路径：订阅者太慢就丢弃事件，由调度器的补偿扫描兜底
func (s *MemStore) publish(ev InstanceEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping instance event for slow subscriber",
				zap.String("instance", ev.Instance.ID), zap.Stringer("type", ev.Type))
		}
	}
}
