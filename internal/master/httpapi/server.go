package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"modelsched/pkg/model"
	"modelsched/pkg/store"
)

// NewRouter master 进程的运维接口：健康检查、指标、实例和节点的增删查
// 写接口让 --store=memory 的单机模式不依赖 etcd 也能提交实例、登记节点
func NewRouter(st store.Store, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	h := &handlers{store: st, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/nodes", h.listNodes)
		api.Put("/nodes/{nodeId}", h.putNode)
		api.Delete("/nodes/{nodeId}", h.deleteNode)

		api.Get("/instances", h.listInstances)
		api.Post("/instances", h.createInstance)
		api.Get("/instances/{instanceId}", h.getInstance)
		api.Delete("/instances/{instanceId}", h.deleteInstance)
		api.Post("/instances/{instanceId}/reset", h.resetInstance)
	})
	return r
}

type handlers struct {
	store  store.Store
	logger *zap.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.ListNodes(r.Context())
	if err != nil {
		h.internalError(w, "list nodes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nodes})
}

// listInstances 支持 ?state=PENDING 过滤
func (h *handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	var (
		items []*model.ModelInstance
		err   error
	)
	if state := r.URL.Query().Get("state"); state != "" {
		items, err = h.store.ListInstancesByState(r.Context(), model.InstanceState(state))
	} else {
		items, err = h.store.ListInstances(r.Context())
	}
	if err != nil {
		h.internalError(w, "list instances", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	mi, err := h.store.GetInstance(r.Context(), id)
	if err != nil {
		h.storeError(w, "get instance", err)
		return
	}
	writeJSON(w, http.StatusOK, mi)
}

type createInstanceRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ModelName string `json:"model_name"`
}

// createInstance 提交一个 PENDING 实例，id 留空时自动生成
func (h *handlers) createInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ModelName == "" {
		badRequest(w, "model_name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	mi := &model.ModelInstance{
		ID:        req.ID,
		Name:      req.Name,
		ModelName: req.ModelName,
		State:     model.InstancePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateInstance(r.Context(), mi); err != nil {
		h.storeError(w, "create instance", err)
		return
	}
	w.Header().Set("Location", "/api/v1/instances/"+mi.ID)
	writeJSON(w, http.StatusCreated, mi)
}

func (h *handlers) deleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteInstance(r.Context(), chi.URLParam(r, "instanceId")); err != nil {
		h.storeError(w, "delete instance", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resetInstance 解除绑定回到 PENDING，写入带 Revision，与调度器并发时返回 409
func (h *handlers) resetInstance(w http.ResponseWriter, r *http.Request) {
	mi, err := h.store.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		h.storeError(w, "reset instance", err)
		return
	}
	mi.Unbind()
	if err := h.store.UpdateInstance(r.Context(), mi); err != nil {
		h.storeError(w, "reset instance", err)
		return
	}
	writeJSON(w, http.StatusOK, mi)
}

type putNodeRequest struct {
	Name    string           `json:"name"`
	Address string           `json:"address"`
	Status  model.NodeStatus `json:"status"`
}

// putNode 登记或覆盖一个节点 (没有 Agent 的单机模式下手工维护节点清单)
func (h *handlers) putNode(w http.ResponseWriter, r *http.Request) {
	var req putNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Address == "" {
		badRequest(w, "address is required")
		return
	}
	switch req.Status {
	case "":
		req.Status = model.NodeReady
	case model.NodeReady, model.NodeOffline:
	default:
		badRequest(w, fmt.Sprintf("unknown node status %q", req.Status))
		return
	}

	node := &model.Node{
		ID:            chi.URLParam(r, "nodeId"),
		Name:          req.Name,
		Address:       req.Address,
		Status:        req.Status,
		LastHeartbeat: time.Now().Unix(),
	}
	if err := h.store.RegisterNode(r.Context(), node); err != nil {
		h.storeError(w, "register node", err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *handlers) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteNode(r.Context(), chi.URLParam(r, "nodeId")); err != nil {
		h.storeError(w, "delete node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// storeError 把存储层的哨兵错误映射成 HTTP 状态码
func (h *handlers) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": err.Error()})
	case errors.Is(err, store.ErrExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "exists", "message": err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict", "message": err.Error()})
	default:
		h.internalError(w, op, err)
	}
}

func (h *handlers) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
