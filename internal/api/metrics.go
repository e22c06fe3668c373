package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/capturenode/internal/api/models"
	"github.com/smazurov/capturenode/internal/metrics"
)

// registerMetricsRoutes exposes the capture metric cache as JSON. Prometheus
// scrapes /metrics instead.
func (s *Server) registerMetricsRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-capture-metrics",
		Method:      http.MethodGet,
		Path:        "/api/metrics/capture",
		Summary:     "Capture Metrics",
		Description: "Current packet, byte, read error, and prime counters per monitor",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.CaptureMetricsResponse, error) {
		resp := &models.CaptureMetricsResponse{}
		resp.Body.Monitors = make(map[string]models.CaptureMetricsData)
		for id, m := range metrics.GetAllCaptureMetrics() {
			resp.Body.Monitors[id] = models.CaptureMetricsData{
				Packets:    m.Packets,
				Bytes:      m.Bytes,
				ReadErrors: m.ReadErrors,
				Primes:     m.Primes,
				Capturing:  m.Capturing,
			}
		}
		return resp, nil
	})
}
