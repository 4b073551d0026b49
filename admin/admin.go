// Package admin 管理与监控 HTTP 接口
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"posrelay/metrics"
	"posrelay/session"
)

// Source 提供可在任意协程读取的会话状态
type Source interface {
	Status() session.Status
	Snapshot() *session.Snapshot
}

// NewMux 注册 /status、/metrics、/healthz
func NewMux(src Source, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", HandleStatus(src))
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	mux.HandleFunc("/healthz", HandleHealth(src))
	return mux
}

// HandleStatus 输出最近一次 Tick 发布的快照
// GET /status
func HandleStatus(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.Snapshot())
	}
}

// HandleHealth 有活动角色时返回 200，否则 503
func HandleHealth(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := src.Status()
		if st == session.Inactive {
			http.Error(w, st.String(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}

// Server 管理接口的 HTTP 服务
type Server struct {
	srv *http.Server
	log *zap.SugaredLogger
}

func NewServer(addr string, src Source, m *metrics.Metrics, log *zap.SugaredLogger) *Server {
	return &Server{
		srv: &http.Server{Addr: addr, Handler: NewMux(src, m), ReadHeaderTimeout: 5 * time.Second},
		log: log,
	}
}

// Start 在后台开始服务
func (s *Server) Start() {
	go func() {
		s.log.Infof("admin listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("admin listen: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
