package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/daemonkit/internal/metrics"
	"github.com/loykin/daemonkit/internal/supervisor"
)

// Source is what the admin API inspects and drives.
type Source interface {
	Snapshot() supervisor.Status
	SignalWorker(sig os.Signal) error
}

// Router provides embeddable HTTP handlers for one supervisor.
// Endpoints:
//
//	GET  {basePath}/status          supervisor snapshot
//	POST {basePath}/reload          SIGHUP to the worker (hot reload)
//	POST {basePath}/restart         SIGTERM to the worker; it is respawned
//	POST {basePath}/signal?name=... forward an allowed signal to the worker
//	GET  {basePath}/metrics         Prometheus exposition, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Source
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src Source, basePath string, withMetrics bool) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/reload", r.handleReload)
	group.POST("/restart", r.handleRestart)
	group.POST("/signal", r.handleSignal)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

const (
	listenRetry    = 100 * time.Millisecond
	listenAttempts = 50
)

// listen binds addr, retrying while a retiring generation still owns it.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lastErr error
	for i := 0; i < listenAttempts; i++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(listenRetry):
		}
	}
	return nil, fmt.Errorf("admin listen %s: %w", addr, lastErr)
}

// NewServer starts a standalone HTTP server on addr using this router, over
// TLS when tlsCfg is not nil. The listener is bound before NewServer
// returns; Shutdown or Close stops it.
func NewServer(ctx context.Context, addr string, r *Router, tlsCfg *tls.Config) (*http.Server, net.Addr, error) {
	ln, err := listen(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	server := &http.Server{
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("admin server stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()
	slog.Info("admin server listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)
	return server, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type signalResp struct {
	OK        bool   `json:"ok"`
	Signal    string `json:"signal"`
	WorkerPID int    `json:"worker_pid"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}

func (r *Router) handleReload(c *gin.Context) {
	r.signal(c, syscall.SIGHUP)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.signal(c, syscall.SIGTERM)
}

func (r *Router) handleSignal(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	sig, ok := parseSignal(name)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("signal %q not allowed", name)})
		return
	}
	r.signal(c, sig)
}

// signal forwards sig to the worker of the active generation.
func (r *Router) signal(c *gin.Context, sig syscall.Signal) {
	st := r.src.Snapshot()
	if !st.Active {
		writeJSON(c, http.StatusConflict, errorResp{Error: "not the active generation"})
		return
	}
	if st.WorkerPID == 0 {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no worker running"})
		return
	}
	if err := r.src.SignalWorker(sig); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	slog.Info("admin signalled worker", "signal", sig.String(), "pid", st.WorkerPID)
	writeJSON(c, http.StatusOK, signalResp{OK: true, Signal: sig.String(), WorkerPID: st.WorkerPID})
}
