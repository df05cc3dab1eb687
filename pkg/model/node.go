package model

// NodeStatus 节点健康状态 (由节点 Agent 上报，调度器只读)
type NodeStatus string

const (
	NodeReady   NodeStatus = "READY"
	NodeOffline NodeStatus = "OFFLINE"
)

// Node 一台可以运行模型实例的计算节点
// 调度器不拥有 Node 的生命周期，只在调度时读取一份快照
type Node struct {
	ID      string     `json:"id"`      // 唯一标识，通常是 UUID 或 Hostname
	Name    string     `json:"name"`    // 便于人读的名字
	Address string     `json:"address"` // 节点 IP，调度时会被快照到 ModelInstance.NodeIP
	Status  NodeStatus `json:"status"`

	LastHeartbeat int64 `json:"last_heartbeat"` // Unix 时间戳
}

// Copy 返回 Node 的拷贝
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}
