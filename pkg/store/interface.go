package store

import (
	"context"
	"errors"

	"modelsched/pkg/model"
)

var (
	// ErrNotFound 对象不存在
	ErrNotFound = errors.New("store: not found")
	// ErrExists 创建时对象已存在
	ErrExists = errors.New("store: already exists")
	// ErrConflict 带 Revision 的更新发现对象已被别人改过
	ErrConflict = errors.New("store: revision conflict")
)

// EventType 定义监听事件类型
type EventType int

const (
	EventCreated EventType = iota
	EventUpdated
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "CREATED"
	case EventUpdated:
		return "UPDATED"
	case EventDeleted:
		return "DELETED"
	}
	return "UNKNOWN"
}

// InstanceEvent 包装了存储层发生的一次 ModelInstance 变更
// Deleted 事件里的 Instance 是删除前的最后一份快照
type InstanceEvent struct {
	Type     EventType
	Instance *model.ModelInstance
}

// Store 接口定义了系统对存储层的所有需求
// 任何实现了这个接口的 Struct (EtcdManager, MemStore) 都可以被注入到调度器中
type Store interface {
	// --- Node 相关 ---

	// RegisterNode 节点注册 (存在则覆盖)
	RegisterNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	// ListNodes 获取所有节点，按 ID 排序
	ListNodes(ctx context.Context) ([]*model.Node, error)
	DeleteNode(ctx context.Context, id string) error

	// --- ModelInstance 相关 ---

	CreateInstance(ctx context.Context, mi *model.ModelInstance) error
	GetInstance(ctx context.Context, id string) (*model.ModelInstance, error)
	ListInstances(ctx context.Context) ([]*model.ModelInstance, error)
	// ListInstancesByState 按 state 字段过滤
	ListInstancesByState(ctx context.Context, state model.InstanceState) ([]*model.ModelInstance, error)

	// UpdateInstance 写入实例的完整状态
	// mi.Revision 非 0 时是 Compare-And-Set：存储中的版本不一致则返回 ErrConflict
	UpdateInstance(ctx context.Context, mi *model.ModelInstance) error
	DeleteInstance(ctx context.Context, id string) error
}

// EventBus ModelInstance 变更通知
type EventBus interface {
	// Subscribe 返回一个只读通道
	// 底层数据流结束 (或 ctx 结束) 时通道被关闭，调用方需要自己重新订阅
	Subscribe(ctx context.Context) (<-chan InstanceEvent, error)
}
