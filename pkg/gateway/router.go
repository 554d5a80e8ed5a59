package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/metrics"
	"github.com/beamlink/beam/pkg/storage"
)

// Router builds the HTTP surface: the websocket endpoint, the JSON API, and
// the Prometheus scrape endpoint.
//
// Routes:
//   - GET /ws - websocket upgrade for the event channel
//   - GET /api/health - liveness plus deployment features
//   - GET /api/stats - transfer counters
//   - GET /api/cluster/nodes - known nodes
//   - GET /api/cluster/master - current master
//   - GET /api/cluster/stats - this node's view of the cluster
//   - POST /api/share/create - open a share room
//   - POST /api/share/join - join a share room
//   - GET /api/uploads/{fileID} - upload progress snapshot
//   - GET /metrics - Prometheus scrape endpoint (404 when disabled)
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(g.cors)

	r.Get("/ws", g.handleWebsocket)
	r.Handle("/metrics", metrics.Handler())

	// The API carries small JSON bodies only; the websocket endpoint must
	// stay outside the timeout middleware.
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", g.handleHealth)
		r.Get("/stats", g.handleStats)

		r.Route("/cluster", func(r chi.Router) {
			r.Get("/nodes", g.handleClusterNodes)
			r.Get("/master", g.handleClusterMaster)
			r.Get("/stats", g.handleClusterStats)
		})

		r.Route("/share", func(r chi.Router) {
			r.Post("/create", g.handleShareCreate)
			r.Post("/join", g.handleShareJoin)
		})

		r.Get("/uploads/{fileID}", g.handleUploadProgress)
	})

	return r
}

// cors reflects the configured origin on API responses and answers
// preflight requests. "*" allows every origin.
func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := g.cfg.CORSOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs completed requests and feeds the request metrics.
// Health and scrape requests log at DEBUG to keep probe noise down.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}

		if g.gwMetrics != nil {
			g.gwMetrics.RecordRequest(route, ww.Status(), float64(duration.Microseconds())/1000)
		}

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", duration.String(),
		}
		if r.URL.Path == "/api/health" || r.URL.Path == "/metrics" {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := g.store.HealthCheck(r.Context()); err != nil {
		logger.Warn("storage health check failed", logger.Err(err))
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":  status,
		"version": g.cfg.Version,
		"features": map[string]any{
			"redis":       g.cfg.RedisEnabled,
			"nativeAddon": false,
			"cluster":     g.cfg.ClusterEnabled,
		},
	}
	if g.cfg.ClusterEnabled {
		self := g.registry.Self()
		resp["cluster"] = map[string]any{
			"role":   self.Role,
			"nodeId": self.ID,
		}
	}
	writeJSON(w, code, resp)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.sessions.CollectStats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := g.store.ListNodes(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, map[string]any{
			"id":       node.ID,
			"hostname": node.Hostname,
			"port":     node.Port,
			"status":   node.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"nodes":   out,
	})
}

func (g *Gateway) handleClusterMaster(w http.ResponseWriter, r *http.Request) {
	masterID, err := g.coord.MasterID(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	nodeID := g.registry.NodeID()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"masterId": masterID,
		"isMe":     masterID != "" && masterID == nodeID,
		"nodeId":   nodeID,
	})
}

func (g *Gateway) handleClusterStats(w http.ResponseWriter, r *http.Request) {
	nodes, err := g.registry.ActiveNodes(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	stats, err := g.sessions.CollectStats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	role := storage.RoleWorker
	if g.coord.IsMaster() {
		role = storage.RoleMaster
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": map[string]any{
			"role":     role,
			"nodeId":   g.registry.NodeID(),
			"nodes":    len(nodes),
			"sessions": stats.ActiveSessions,
		},
	})
}

type shareCreateRequest struct {
	ClientID string `json:"clientId"`
	ShareID  string `json:"shareId,omitempty"`
}

func (g *Gateway) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req shareCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body", nil)
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "clientId is required", nil)
		return
	}

	share, err := g.sessions.CreateShare(r.Context(), req.ClientID, req.ShareID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"shareId": share.ShareID,
	})
}

type shareJoinRequest struct {
	ShareID  string `json:"shareId"`
	ClientID string `json:"clientId"`
}

func (g *Gateway) handleShareJoin(w http.ResponseWriter, r *http.Request) {
	var req shareJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body", nil)
		return
	}
	if req.ShareID == "" || req.ClientID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "shareId and clientId are required", nil)
		return
	}

	share, err := g.sessions.JoinShare(r.Context(), req.ShareID, req.ClientID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"shareId":          share.ShareID,
		"connectedClients": len(share.Clients),
	})
}

func (g *Gateway) handleUploadProgress(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	progress, err := g.transfers.UploadProgress(r.Context(), fileID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
