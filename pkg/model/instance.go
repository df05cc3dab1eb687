package model

import "time"

// InstanceState 模型实例的生命周期状态
type InstanceState string

const (
	InstancePending      InstanceState = "PENDING"      // 等待调度
	InstanceAssigned     InstanceState = "ASSIGNED"     // 已分配节点，等待下游接管
	InstanceInitializing InstanceState = "INITIALIZING" // 节点正在准备 (下载模型等)
	InstanceRunning      InstanceState = "RUNNING"
	InstanceError        InstanceState = "ERROR"
)

// ModelInstance 一个待部署的模型实例，是调度的基本单位
type ModelInstance struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	ModelName string        `json:"model_name"`
	State     InstanceState `json:"state"`

	// 调度结果
	// NodeID 为空 <=> 尚未调度
	// NodeIP 是分配时刻节点地址的快照，节点地址之后变化不会同步过来
	NodeID string `json:"node_id,omitempty"`
	NodeIP string `json:"node_ip,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision 存储层版本号，用于乐观并发控制 (Compare-And-Set)
	// 不参与序列化，由 Store 在读取时填充
	Revision int64 `json:"-"`
}

// Assigned 实例是否已经绑定节点
func (mi *ModelInstance) Assigned() bool {
	return mi.NodeID != ""
}

// Unbind 清掉调度结果并回到 PENDING (节点丢失等场景)，之后调度器把它当新实例处理
func (mi *ModelInstance) Unbind() {
	mi.State = InstancePending
	mi.NodeID = ""
	mi.NodeIP = ""
}

// Copy 返回一份浅拷贝 (所有字段都是值类型)
func (mi *ModelInstance) Copy() *ModelInstance {
	if mi == nil {
		return nil
	}
	c := *mi
	return &c
}
