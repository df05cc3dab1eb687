package scheduler

import "modelsched/pkg/model"

// eligible 是否需要调度：只看有没有绑定节点
// 重新回到 PENDING 的实例 (比如节点丢失) 会被清空 NodeID，因此和新建实例一视同仁
func eligible(mi *model.ModelInstance) bool {
	return mi != nil && !mi.Assigned()
}
