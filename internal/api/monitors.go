package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/capturenode/internal/api/models"
	"github.com/smazurov/capturenode/internal/config"
	"github.com/smazurov/capturenode/internal/monitor"
)

func (s *Server) registerMonitorRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-monitors",
		Method:      http.MethodGet,
		Path:        "/api/monitors",
		Summary:     "List Monitors",
		Description: "List configured monitors with their runtime state and counters",
		Tags:        []string{"monitors"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.MonitorListResponse, error) {
		ids := s.options.Pool.List()
		for id := range s.options.Monitors.Snapshot().Monitors {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)

		list := make([]models.MonitorData, 0, len(ids))
		for _, id := range ids {
			list = append(list, s.monitorData(id))
		}
		return &models.MonitorListResponse{
			Body: models.MonitorListData{Monitors: list, Count: len(list)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-monitor",
		Method:      http.MethodGet,
		Path:        "/api/monitors/{id}",
		Summary:     "Get Monitor",
		Description: "Get the configuration and runtime state of a monitor",
		Tags:        []string{"monitors"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.MonitorIDInput) (*models.MonitorResponse, error) {
		if !s.knownMonitor(input.ID) {
			return nil, huma.Error404NotFound("Monitor not found")
		}
		return &models.MonitorResponse{Body: s.monitorData(input.ID)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "prime-monitor",
		Method:      http.MethodPost,
		Path:        "/api/monitors/{id}/prime",
		Summary:     "Prime Monitor",
		Description: "Start the monitor, or restart it with a fresh session if it is running",
		Tags:        []string{"monitors"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 422},
	}, func(_ context.Context, input *models.MonitorIDInput) (*models.MonitorActionResponse, error) {
		if _, ok := s.options.Monitors.Get(input.ID); !ok {
			return nil, huma.Error404NotFound("Monitor not found")
		}
		if err := s.options.Pool.Restart(input.ID); err != nil {
			if errors.Is(err, config.ErrMonitorNotFound) {
				return nil, huma.Error404NotFound("Monitor not found", err)
			}
			return nil, huma.Error422UnprocessableEntity("Failed to start monitor", err)
		}
		return &models.MonitorActionResponse{
			Body: models.MonitorActionData{ID: input.ID, Action: "prime", Success: true},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-monitor",
		Method:      http.MethodPost,
		Path:        "/api/monitors/{id}/stop",
		Summary:     "Stop Monitor",
		Description: "Stop the monitor and release its session until it is primed again",
		Tags:        []string{"monitors"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 500},
	}, func(_ context.Context, input *models.MonitorIDInput) (*models.MonitorActionResponse, error) {
		if !s.knownMonitor(input.ID) {
			return nil, huma.Error404NotFound("Monitor not found")
		}
		if err := s.options.Pool.Stop(input.ID); err != nil {
			return nil, huma.Error500InternalServerError("Failed to stop monitor", err)
		}
		return &models.MonitorActionResponse{
			Body: models.MonitorActionData{ID: input.ID, Action: "stop", Success: true},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "reload-monitors",
		Method:      http.MethodPost,
		Path:        "/api/monitors/reload",
		Summary:     "Reload Monitors",
		Description: "Re-read the monitors file and start, stop, or restart monitors that changed",
		Tags:        []string{"monitors"},
		Security:    withAuth(),
		Errors:      []int{401, 422, 501},
	}, func(_ context.Context, _ *struct{}) (*models.ReloadResponse, error) {
		if s.options.Reload == nil {
			return nil, huma.Error501NotImplemented("Reload is not configured")
		}
		diff, err := s.options.Reload()
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("Failed to reload monitors", err)
		}
		return &models.ReloadResponse{
			Body: models.ReloadData{
				Added:   nonNil(diff.Added),
				Removed: nonNil(diff.Removed),
				Changed: nonNil(diff.Changed),
			},
		}, nil
	})
}

func (s *Server) knownMonitor(id string) bool {
	if _, ok := s.options.Monitors.Get(id); ok {
		return true
	}
	return slices.Contains(s.options.Pool.List(), id)
}

// monitorData merges a monitor's definition with its runtime status.
func (s *Server) monitorData(id string) models.MonitorData {
	info := s.options.Pool.GetStatus(id)
	data := models.MonitorData{
		ID:            id,
		State:         string(info.State),
		Reprimes:      info.Reprimes,
		SessionID:     info.SessionID,
		VideoStreamID: info.VideoStreamID,
		AudioStreamID: info.AudioStreamID,
		Stats:         info.Stats,
	}
	if !info.StartedAt.IsZero() {
		data.StartedAt = info.StartedAt.Format(time.RFC3339)
	}
	if !info.CapturingAt.IsZero() && info.State == monitor.StateCapturing {
		data.CapturingAt = info.CapturingAt.Format(time.RFC3339)
	}
	if info.LastError != nil {
		data.LastError = info.LastError.Error()
	}

	if m, ok := s.options.Monitors.Get(id); ok {
		data.Path = redact(m.Path)
		data.SecondPath = redact(m.SecondPath)
		data.Method = m.Method
		data.HWAccelName = m.HWAccelName
		data.Enabled = m.IsEnabled()
	}
	return data
}

// redact hides the password of URLs with user info.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
