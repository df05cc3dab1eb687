package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shoenig/test/must"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	"modelsched/pkg/model"
)

// 需要一个真实的 etcd：MODELSCHED_ETCD_ENDPOINTS=localhost:2379 go test ./pkg/store/...
func newTestEtcdManager(t *testing.T, opts ...EtcdOption) *EtcdManager {
	t.Helper()
	endpoints := os.Getenv("MODELSCHED_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("MODELSCHED_ETCD_ENDPOINTS not set")
	}

	opts = append([]EtcdOption{WithPageSize(2), WithNodeTTL(0)}, opts...)
	e, err := NewEtcdManager(strings.Split(endpoints, ","), zaptest.NewLogger(t), opts...)
	must.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEtcdManager_InstanceCAS(t *testing.T) {
	e := newTestEtcdManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := uuid.NewString()
	t.Cleanup(func() { _ = e.DeleteInstance(context.Background(), id) })

	mi := &model.ModelInstance{ID: id, State: model.InstancePending}
	must.NoError(t, e.CreateInstance(ctx, mi))
	must.ErrorIs(t, e.CreateInstance(ctx, mi), ErrExists)

	a, err := e.GetInstance(ctx, id)
	must.NoError(t, err)
	must.Eq(t, mi.Revision, a.Revision)
	b, err := e.GetInstance(ctx, id)
	must.NoError(t, err)

	a.NodeID = "1"
	must.NoError(t, e.UpdateInstance(ctx, a))
	b.NodeID = "2"
	must.ErrorIs(t, e.UpdateInstance(ctx, b), ErrConflict)

	got, err := e.GetInstance(ctx, id)
	must.NoError(t, err)
	must.Eq(t, "1", got.NodeID)

	must.ErrorIs(t, e.UpdateInstance(ctx, &model.ModelInstance{ID: uuid.NewString()}), ErrNotFound)
}

func TestEtcdManager_ListPaginates(t *testing.T) {
	e := newTestEtcdManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id := uuid.NewString()
		ids[id] = true
		must.NoError(t, e.CreateInstance(ctx, &model.ModelInstance{ID: id, State: model.InstancePending}))
		t.Cleanup(func() { _ = e.DeleteInstance(context.Background(), id) })
	}

	pending, err := e.ListInstancesByState(ctx, model.InstancePending)
	must.NoError(t, err)
	found := 0
	for _, mi := range pending {
		if ids[mi.ID] {
			found++
		}
	}
	must.Eq(t, 5, found)
}

func TestEtcdManager_Subscribe(t *testing.T) {
	e := newTestEtcdManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := e.Subscribe(ctx)
	must.NoError(t, err)

	id := uuid.NewString()
	must.NoError(t, e.CreateInstance(ctx, &model.ModelInstance{ID: id, State: model.InstancePending}))
	must.NoError(t, e.DeleteInstance(ctx, id))

	var types []EventType
	for len(types) < 2 {
		ev := recv(t, ch)
		if ev.Instance.ID != id {
			continue
		}
		types = append(types, ev.Type)
		if ev.Type == EventDeleted {
			must.Eq(t, model.InstancePending, ev.Instance.State)
		}
	}
	must.Eq(t, []EventType{EventCreated, EventDeleted}, types)
}

// 心跳复用同一个租约，节点下线时租约被回收
func TestEtcdManager_NodeLeaseReused(t *testing.T) {
	e := newTestEtcdManager(t, WithNodeTTL(30))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := uuid.NewString()
	leaseOf := func() int64 {
		resp, err := e.client.Get(ctx, NodeKeyPrefix+id)
		must.NoError(t, err)
		must.Len(t, 1, resp.Kvs)
		return resp.Kvs[0].Lease
	}

	must.NoError(t, e.RegisterNode(ctx, &model.Node{ID: id, Address: "10.0.0.1"}))
	first := leaseOf()
	must.Positive(t, first)

	must.NoError(t, e.RegisterNode(ctx, &model.Node{ID: id, Address: "10.0.0.1", LastHeartbeat: 2}))
	must.Eq(t, first, leaseOf())

	leases, err := e.client.Leases(ctx)
	must.NoError(t, err)
	owned := 0
	for _, l := range leases.Leases {
		if int64(l.ID) == first {
			owned++
		}
	}
	must.Eq(t, 1, owned)

	must.NoError(t, e.DeleteNode(ctx, id))
	ttl, err := e.client.TimeToLive(ctx, clientv3.LeaseID(first))
	must.NoError(t, err)
	must.Eq(t, int64(-1), ttl.TTL)
}
