package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"modelsched/pkg/model"
)

func newTestMemStore(t *testing.T) *MemStore {
	t.Helper()
	s, err := NewMemStore(zaptest.NewLogger(t))
	must.NoError(t, err)
	return s
}

func recv(t *testing.T, ch <-chan InstanceEvent) InstanceEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		must.True(t, ok, must.Sprint("subscription closed"))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return InstanceEvent{}
}

func TestMemStore_Nodes(t *testing.T) {
	ctx := context.Background()
	s := newTestMemStore(t)

	for _, id := range []string{"c", "a", "b"} {
		must.NoError(t, s.RegisterNode(ctx, &model.Node{ID: id, Address: "10.0.0." + id}))
	}
	// 重复注册覆盖旧值
	must.NoError(t, s.RegisterNode(ctx, &model.Node{ID: "a", Address: "10.0.1.1"}))

	nodes, err := s.ListNodes(ctx)
	must.NoError(t, err)
	must.Len(t, 3, nodes)
	must.Eq(t, []string{"a", "b", "c"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID})
	must.Eq(t, "10.0.1.1", nodes[0].Address)

	node, err := s.GetNode(ctx, "b")
	must.NoError(t, err)
	must.Eq(t, "10.0.0.b", node.Address)

	must.NoError(t, s.DeleteNode(ctx, "b"))
	_, err = s.GetNode(ctx, "b")
	must.ErrorIs(t, err, ErrNotFound)
	must.ErrorIs(t, s.DeleteNode(ctx, "b"), ErrNotFound)
}

func TestMemStore_InstanceCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestMemStore(t)

	mi := &model.ModelInstance{ID: "m1", State: model.InstancePending}
	must.NoError(t, s.CreateInstance(ctx, mi))
	must.Positive(t, mi.Revision)
	must.ErrorIs(t, s.CreateInstance(ctx, &model.ModelInstance{ID: "m1"}), ErrExists)

	got, err := s.GetInstance(ctx, "m1")
	must.NoError(t, err)
	must.Eq(t, mi.Revision, got.Revision)
	must.False(t, got.CreatedAt.IsZero())

	// 读出来的是拷贝，修改不影响存储
	got.NodeID = "x"
	again, err := s.GetInstance(ctx, "m1")
	must.NoError(t, err)
	must.Eq(t, "", again.NodeID)

	_, err = s.GetInstance(ctx, "nope")
	must.ErrorIs(t, err, ErrNotFound)
	must.ErrorIs(t, s.UpdateInstance(ctx, &model.ModelInstance{ID: "nope"}), ErrNotFound)

	must.NoError(t, s.DeleteInstance(ctx, "m1"))
	must.ErrorIs(t, s.DeleteInstance(ctx, "m1"), ErrNotFound)
}

func TestMemStore_ListInstancesByState(t *testing.T) {
	ctx := context.Background()
	s := newTestMemStore(t)

	must.NoError(t, s.CreateInstance(ctx, &model.ModelInstance{ID: "m1", State: model.InstancePending}))
	must.NoError(t, s.CreateInstance(ctx, &model.ModelInstance{ID: "m2", State: model.InstanceAssigned, NodeID: "2"}))
	must.NoError(t, s.CreateInstance(ctx, &model.ModelInstance{ID: "m3", State: model.InstancePending}))

	pending, err := s.ListInstancesByState(ctx, model.InstancePending)
	must.NoError(t, err)
	must.Len(t, 2, pending)
	must.Eq(t, "m1", pending[0].ID)
	must.Eq(t, "m3", pending[1].ID)

	all, err := s.ListInstances(ctx)
	must.NoError(t, err)
	must.Len(t, 3, all)

	// 状态变化后索引跟着变
	m2, err := s.GetInstance(ctx, "m2")
	must.NoError(t, err)
	m2.State = model.InstancePending
	must.NoError(t, s.UpdateInstance(ctx, m2))

	pending, err = s.ListInstancesByState(ctx, model.InstancePending)
	must.NoError(t, err)
	must.Len(t, 3, pending)
}

func TestMemStore_UpdateCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestMemStore(t)
	must.NoError(t, s.CreateInstance(ctx, &model.ModelInstance{ID: "m1", State: model.InstancePending}))

	a, err := s.GetInstance(ctx, "m1")
	must.NoError(t, err)
	b, err := s.GetInstance(ctx, "m1")
	must.NoError(t, err)

	a.NodeID = "1"
	must.NoError(t, s.UpdateInstance(ctx, a))
	must.Greater(t, b.Revision, a.Revision)

	b.NodeID = "2"
	err = s.UpdateInstance(ctx, b)
	must.True(t, errors.Is(err, ErrConflict))

	cur, err := s.GetInstance(ctx, "m1")
	must.NoError(t, err)
	must.Eq(t, "1", cur.NodeID)

	// Revision 为 0 时不做比较
	cur.Revision = 0
	cur.Name = "blind"
	must.NoError(t, s.UpdateInstance(ctx, cur))
}

func TestMemStore_Subscribe(t *testing.T) {
	s := newTestMemStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx)
	must.NoError(t, err)
	must.Eq(t, 1, s.Subscribers())

	mi := &model.ModelInstance{ID: "m1", State: model.InstancePending}
	must.NoError(t, s.CreateInstance(ctx, mi))
	ev := recv(t, ch)
	must.Eq(t, EventCreated, ev.Type)
	must.Eq(t, "m1", ev.Instance.ID)

	mi.NodeID = "1"
	must.NoError(t, s.UpdateInstance(ctx, mi))
	ev = recv(t, ch)
	must.Eq(t, EventUpdated, ev.Type)
	must.Eq(t, "1", ev.Instance.NodeID)

	must.NoError(t, s.DeleteInstance(ctx, "m1"))
	ev = recv(t, ch)
	must.Eq(t, EventDeleted, ev.Type)
	must.Eq(t, "1", ev.Instance.NodeID)
	must.Eq(t, "DELETED", ev.Type.String())
}

func TestMemStore_SubscriptionLifecycle(t *testing.T) {
	s := newTestMemStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx)
	must.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		must.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}

	_, err = s.Subscribe(ctx)
	must.ErrorIs(t, err, context.Canceled)

	ch2, err := s.Subscribe(context.Background())
	must.NoError(t, err)
	s.CloseSubscriptions()
	_, ok := <-ch2
	must.False(t, ok)
	must.Eq(t, 0, s.Subscribers())
}

func TestMemStore_SlowSubscriberDoesNotBlockWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestMemStore(t)
	s.subBuffer = 1

	sub, cancel := context.WithCancel(ctx)
	defer cancel()
	_, err := s.Subscribe(sub)
	must.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range []string{"m1", "m2", "m3"} {
			_ = s.CreateInstance(ctx, &model.ModelInstance{ID: id, State: model.InstancePending})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writes blocked on slow subscriber")
	}
}

// 订阅被关闭后，ctx 还没结束也不应留下等待 ctx 的 goroutine
func TestMemStore_CloseSubscriptionsReleasesWatchers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestMemStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 100; i++ {
		ch, err := s.Subscribe(ctx)
		must.NoError(t, err)
		s.CloseSubscriptions()
		_, ok := <-ch
		must.False(t, ok)
	}
	must.Eq(t, 0, s.Subscribers())
}

func TestMemStore_InstanceWithoutState(t *testing.T) {
	ctx := context.Background()
	s := newTestMemStore(t)

	must.NoError(t, s.CreateInstance(ctx, &model.ModelInstance{ID: "m1"}))
	mi, err := s.GetInstance(ctx, "m1")
	must.NoError(t, err)
	must.Eq(t, model.InstanceState(""), mi.State)

	pending, err := s.ListInstancesByState(ctx, model.InstancePending)
	must.NoError(t, err)
	must.Len(t, 0, pending)

	all, err := s.ListInstances(ctx)
	must.NoError(t, err)
	must.Len(t, 1, all)
}
