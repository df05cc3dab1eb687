package scheduler

import "modelsched/pkg/model"

// PlacementStrategy 把一个待调度实例映射到某个节点
//
// 实现必须满足:
//   - 节点列表为空时返回 (nil, false)，不能 panic
//   - 相同的输入 (包括节点顺序) 得到相同的结果
//   - 只依赖入参，不持有全局状态
//
// 返回 false 时实例保持 PENDING，等下一次事件或补偿扫描再试。
type PlacementStrategy interface {
	Place(mi *model.ModelInstance, nodes []*model.Node) (*model.Node, bool)
}

// PlacementFunc 让普通函数实现 PlacementStrategy
type PlacementFunc func(mi *model.ModelInstance, nodes []*model.Node) (*model.Node, bool)

func (f PlacementFunc) Place(mi *model.ModelInstance, nodes []*model.Node) (*model.Node, bool) {
	return f(mi, nodes)
}

// FirstNode 最朴素的策略：直接选第一个节点，不看容量和负载
type FirstNode struct{}

func (FirstNode) Place(_ *model.ModelInstance, nodes []*model.Node) (*model.Node, bool) {
	for _, node := range nodes {
		if node != nil {
			return node, true
		}
	}
	return nil, false
}

// ReadyNodes 包装另一个策略，只把 READY (或未上报状态) 的节点交给它
type ReadyNodes struct {
	Next PlacementStrategy
}

func (r ReadyNodes) Place(mi *model.ModelInstance, nodes []*model.Node) (*model.Node, bool) {
	candidates := make([]*model.Node, 0, len(nodes))
	for _, node := range nodes {
		if node == nil || node.Status == model.NodeOffline {
			continue
		}
		candidates = append(candidates, node)
	}

	next := r.Next
	if next == nil {
		next = FirstNode{}
	}
	return next.Place(mi, candidates)
}
