package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/metrics"
	"github.com/chen-liangping/Omni/internal/service/catalog"
	"github.com/chen-liangping/Omni/internal/service/commit"
	"github.com/chen-liangping/Omni/internal/service/deploy"
	"github.com/chen-liangping/Omni/internal/service/project"
	"github.com/chen-liangping/Omni/internal/service/release"
	"github.com/chen-liangping/Omni/internal/service/webhook"
	"github.com/chen-liangping/Omni/internal/ws"
)

// ActorHeader names the caller. It is trusted as given.
const ActorHeader = "X-Omni-User"

const (
	healthCheckTimeout = 2 * time.Second
	defaultHeartbeat   = 15 * time.Second
)

// Services bundles the handlers' dependencies.
type Services struct {
	Projects project.Service
	Release  release.Service
	Commits  commit.Service
	Deploys  deploy.Service
	Webhooks webhook.Service
	Catalog  catalog.Service
	Metrics  *metrics.Recorder
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	project   project.Service
	release   release.Service
	commit    commit.Service
	deploy    deploy.Service
	webhook   webhook.Service
	catalog   catalog.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	health    func(context.Context) error
	heartbeat time.Duration
	metrics   *metrics.Recorder
}

// NewRouter assembles routes with dependencies. health may be nil.
func NewRouter(logger *slog.Logger, svc Services, hub *ws.Hub, health func(context.Context) error, heartbeat time.Duration) *Router {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		project: svc.Projects,
		release: svc.Release,
		commit:  svc.Commits,
		deploy:  svc.Deploys,
		webhook: svc.Webhooks,
		catalog: svc.Catalog,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		health:    health,
		heartbeat: heartbeat,
		metrics:   svc.Metrics,
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/projects", r.audit("/projects", r.handleProjects))
	r.mux.HandleFunc("/projects/", r.audit("/projects/:id", r.handleProjectSubroutes))
	r.mux.HandleFunc("/repositories", r.audit("/repositories", r.handleRepositories))
	r.mux.HandleFunc("/commits", r.audit("/commits", r.handleCommits))
	r.mux.HandleFunc("/commits/", r.audit("/commits/:id", r.handleCommitSubroutes))
	r.mux.HandleFunc("/webhooks", r.audit("/webhooks", r.handleWebhooks))
	r.mux.HandleFunc("/webhooks/", r.audit("/webhooks/:id", r.handleWebhook))
	r.mux.HandleFunc("/events", r.audit("/events", r.handleEventStream))
	r.mux.HandleFunc("/ws/events", r.audit("/ws/events", r.handleEventsWS))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// audit attaches the caller identity, logs one http_request line and records
// request metrics under route.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		actor := strings.TrimSpace(req.Header.Get(ActorHeader))
		if actor == "" {
			actor = domain.AnonymousActor
		}
		req = req.WithContext(domain.WithActor(req.Context(), actor))

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.metrics.Request(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// splitPath trims prefix and returns the non-empty path segments.
func splitPath(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
