package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxlabs/voxstack/internal/middleware"
)

type backendStatus struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Replica   int    `json:"replica"`
	Available bool   `json:"available"`
}

type serviceStatus struct {
	Port      int             `json:"port"`
	Backends  []backendStatus `json:"backends"`
	Available int             `json:"available"`
}

func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(s.logger))
	if s.cfg.Gateway.EnableMetrics {
		r.Use(middleware.Metrics)
	}

	corsCfg := s.cfg.Gateway.CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsCfg.AllowedOrigins,
		AllowedMethods:   corsCfg.AllowedMethods,
		AllowedHeaders:   corsCfg.AllowedHeaders,
		ExposedHeaders:   corsCfg.ExposedHeaders,
		AllowCredentials: corsCfg.AllowCredentials,
		MaxAge:           corsCfg.MaxAge,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/routes", s.handleRoutes)
	r.Put("/services/{service}/replicas", s.handleScale)
	if s.cfg.Gateway.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// handleHealth reports per-service backend availability. Degraded means at
// least one routed service has no backend able to take traffic.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := s.serviceStatuses()

	status := "healthy"
	code := http.StatusOK
	for _, svc := range services {
		if svc.Available == 0 {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.serviceStatuses())
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	var req struct {
		Replicas int `json:"replicas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	backends, err := s.Scale(r.Context(), service, req.Replicas)
	if err != nil {
		// The caller's mistake is a 400; an engine failure is the
		// stack's problem and reports as a bad gateway.
		code := http.StatusBadGateway
		if errors.Is(err, ErrUnknownService) || errors.Is(err, ErrInvalidReplicas) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":  service,
		"replicas": len(backends),
		"backends": backends,
	})
}

func (s *Server) serviceStatuses() map[string]serviceStatus {
	statuses := make(map[string]serviceStatus)
	for _, svc := range s.cfg.RoutedServices() {
		backends := s.table.Backends(svc.Name)
		status := serviceStatus{
			Port:     svc.GatewayPort,
			Backends: make([]backendStatus, 0, len(backends)),
		}
		for _, b := range backends {
			available := b.Available()
			if available {
				status.Available++
			}
			status.Backends = append(status.Backends, backendStatus{
				Name:      b.Name,
				Addr:      b.Addr,
				Replica:   b.Replica,
				Available: available,
			})
		}
		statuses[svc.Name] = status
	}
	return statuses
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
