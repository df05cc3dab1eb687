package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"go.uber.org/zap/zaptest"

	"modelsched/pkg/model"
	"modelsched/pkg/store"
)

func newMemStore(t *testing.T) *store.MemStore {
	t.Helper()
	st, err := store.NewMemStore(zaptest.NewLogger(t))
	must.NoError(t, err)
	return st
}

// testConfig 默认关掉定时扫描，让测试只走显式触发的路径
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconcileOnStart = false
	cfg.ReconcileInterval = time.Hour
	cfg.AttemptTimeout = 5 * time.Second
	cfg.ResubscribeInitialInterval = 5 * time.Millisecond
	cfg.ResubscribeMaxInterval = 20 * time.Millisecond
	return cfg
}

func newTestScheduler(t *testing.T, st store.Store, bus store.EventBus, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig()), WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := NewScheduler(st, bus, opts...)
	must.NoError(t, err)
	return s
}

// startScheduler 后台运行调度器，返回的函数停止它并等待退出
func startScheduler(t *testing.T, s *Scheduler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				must.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("scheduler did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func addNode(t *testing.T, st store.Store, id, address string) *model.Node {
	t.Helper()
	node := &model.Node{ID: id, Name: "node-" + id, Address: address, Status: model.NodeReady}
	must.NoError(t, st.RegisterNode(context.Background(), node))
	return node
}

func addInstance(t *testing.T, st store.Store, mi *model.ModelInstance) *model.ModelInstance {
	t.Helper()
	must.NoError(t, st.CreateInstance(context.Background(), mi))
	return mi
}

func getInstance(t *testing.T, st store.Store, id string) *model.ModelInstance {
	t.Helper()
	mi, err := st.GetInstance(context.Background(), id)
	must.NoError(t, err)
	return mi
}

// countingStore 记录 UpdateInstance 的调用次数
type countingStore struct {
	*store.MemStore
	updates atomic.Int64
}

func (c *countingStore) UpdateInstance(ctx context.Context, mi *model.ModelInstance) error {
	c.updates.Add(1)
	return c.MemStore.UpdateInstance(ctx, mi)
}

// failingStore 读取指定实例时返回错误
type failingStore struct {
	*store.MemStore
	failID string
}

var errInjected = errors.New("injected store failure")

func (f *failingStore) GetInstance(ctx context.Context, id string) (*model.ModelInstance, error) {
	if id == f.failID {
		return nil, errInjected
	}
	return f.MemStore.GetInstance(ctx, id)
}

// racingStore 在调度器写入之前先插入一次并发写，制造版本冲突
type racingStore struct {
	*store.MemStore
	races  int
	racer  func(mi *model.ModelInstance)
	mu     sync.Mutex
	failed int
}

func (r *racingStore) UpdateInstance(ctx context.Context, mi *model.ModelInstance) error {
	r.mu.Lock()
	race := r.races > 0
	if race {
		r.races--
	}
	r.mu.Unlock()

	if race {
		cur, err := r.MemStore.GetInstance(ctx, mi.ID)
		if err != nil {
			return err
		}
		r.racer(cur)
		if err := r.MemStore.UpdateInstance(ctx, cur); err != nil {
			return err
		}
	}

	err := r.MemStore.UpdateInstance(ctx, mi)
	if errors.Is(err, store.ErrConflict) {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
	}
	return err
}
