// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin provides the REST endpoints a running load test exposes for
// monitoring: live client counters, the aggregated phase report and health
// checks of the systems under test.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/loadgen"
	"github.com/turtacn/emqx-bench/pkg/metrics"
)

// StatsSource reports live run counters.
type StatsSource interface {
	Stats() loadgen.RunStats
}

// ReportSource reports aggregated phase summaries.
type ReportSource interface {
	Summaries() []metrics.Summary
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// APIServer provides REST API endpoints for a load run.
type APIServer struct {
	stats   StatsSource
	report  ReportSource
	started time.Time
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// APIResponse represents a standard API response.
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// SummaryInfo is one report row with durations in milliseconds.
type SummaryInfo struct {
	Category    string         `json:"category"`
	Name        string         `json:"name"`
	Count       int            `json:"count"`
	Failures    int            `json:"failures"`
	SuccessRate float64        `json:"success_rate"`
	Bytes       int64          `json:"bytes"`
	MinMS       float64        `json:"min_ms"`
	MeanMS      float64        `json:"mean_ms"`
	P50MS       float64        `json:"p50_ms"`
	P95MS       float64        `json:"p95_ms"`
	P99MS       float64        `json:"p99_ms"`
	MaxMS       float64        `json:"max_ms"`
	Errors      map[string]int `json:"errors,omitempty"`
}

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// NewAPIServer creates a new API server instance. Either source may be nil.
func NewAPIServer(stats StatsSource, report ReportSource) *APIServer {
	return &APIServer{
		stats:   stats,
		report:  report,
		started: time.Now(),
		timeout: 3 * time.Second,
		checks:  make(map[string]CheckFunc),
	}
}

// RegisterCheck adds or replaces a named health check.
func (s *APIServer) RegisterCheck(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// RegisterRoutes registers all API routes.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/report", s.handleReport)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeSuccess(w, s.currentStats())
}

func (s *APIServer) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.report == nil {
		s.writeSuccess(w, []SummaryInfo{})
		return
	}

	summaries := s.report.Summaries()
	out := make([]SummaryInfo, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, SummaryInfo{
			Category:    sum.Category,
			Name:        sum.Name,
			Count:       sum.Count,
			Failures:    sum.Failures,
			SuccessRate: sum.SuccessRate(),
			Bytes:       sum.Bytes,
			MinMS:       ms(sum.Min),
			MeanMS:      ms(sum.Mean),
			P50MS:       ms(sum.P50),
			P95MS:       ms(sum.P95),
			P99MS:       ms(sum.P99),
			MaxMS:       ms(sum.Max),
			Errors:      sum.Errors,
		})
	}
	s.writeSuccess(w, out)
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	results, healthy := s.runChecks(r.Context())
	status := map[string]interface{}{
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"stats":   s.currentStats(),
		"healthy": healthy,
		"checks":  results,
	}
	s.writeSuccess(w, status)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	results, healthy := s.runChecks(r.Context())
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
		"checks": results,
	}
	if !healthy {
		health["status"] = "unhealthy"
		s.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Code:    http.StatusServiceUnavailable,
			Message: "one or more checks failed",
			Data:    health,
		})
		return
	}
	s.writeSuccess(w, health)
}

func (s *APIServer) currentStats() loadgen.RunStats {
	if s.stats == nil {
		return loadgen.RunStats{}
	}
	return s.stats.Stats()
}

// runChecks runs every registered check with a shared deadline.
func (s *APIServer) runChecks(ctx context.Context) ([]CheckResult, bool) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	healthy := true
	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		start := time.Now()
		err := checks[name](ctx)
		res := CheckResult{Name: name, Status: "pass", Duration: time.Since(start).String()}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			healthy = false
		}
		results = append(results, res)
	}
	return results, healthy
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Helper methods

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Code: 0,
		Data: data,
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	response := APIResponse{
		Code:    statusCode,
		Message: message,
	}
	s.writeJSON(w, statusCode, response)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
	}
}

// Serve starts the admin API server and blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string, server *APIServer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "admin"))

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API server listening", zap.String("addr", addr),
			zap.Strings("endpoints", []string{"/api/v1/stats", "/api/v1/report", "/api/v1/status", "/health", "/metrics"}))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
