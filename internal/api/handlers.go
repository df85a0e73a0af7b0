package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/httpx"
	taskid "github.com/JakeFAU/keypick-gateway/internal/id/uuid"
)

const (
	healthCacheControl  = "public, max-age=60"
	versionCacheControl = "public, max-age=3600"
	statusCacheControl  = "private, max-age=5"
)

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
	Region    string `json:"region"`
}

type versionResponse struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	APIPrefix string `json:"api_prefix"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	region := s.cfg.Server.Region
	if h := s.cfg.Server.RegionHeader; h != "" {
		if v := r.Header.Get(h); v != "" {
			region = v
		}
	}
	w.Header().Set("Cache-Control", healthCacheControl)
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Service:   s.cfg.Service.Name,
		Version:   s.cfg.Service.Version,
		Timestamp: s.deps.Clock.Now().UTC().Format(time.RFC3339),
		Region:    region,
	})
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", versionCacheControl)
	httpx.WriteJSON(w, http.StatusOK, versionResponse{
		Name:      s.cfg.Service.Name,
		Version:   s.cfg.Service.Version,
		Commit:    s.cfg.Service.Commit,
		APIPrefix: APIPrefix,
	})
}

// taskStatus answers from the KV record, then the archive, and finally
// relays the backend's own status route. Ids that are not UUIDs were never
// issued here and go straight to the backend.
func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if taskid.Valid(id) {
		if task, ok := s.lookupTask(r, id); ok {
			w.Header().Set("Cache-Control", statusCacheControl)
			httpx.WriteJSON(w, http.StatusOK, task)
			return
		}
	}
	s.deps.Proxy.ServeHTTP(w, r)
}

func (s *Server) lookupTask(r *http.Request, id string) (gateway.Task, bool) {
	ctx := r.Context()
	task, err := s.deps.Tasks.GetTask(ctx, id)
	if err == nil {
		return task, true
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		s.logger.Warn("task lookup failed", zap.String("task_id", id), zap.Error(err))
	}
	if s.deps.Archive == nil {
		return gateway.Task{}, false
	}
	task, err = s.deps.Archive.GetTask(ctx, id)
	if err == nil {
		return task, true
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		s.logger.Warn("archive lookup failed", zap.String("task_id", id), zap.Error(err))
	}
	return gateway.Task{}, false
}
