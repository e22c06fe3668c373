package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/capturenode/internal/api/models"
	"github.com/smazurov/capturenode/internal/metrics"
)

func (s *Server) registerHWAccelRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-hwaccels",
		Method:      http.MethodGet,
		Path:        "/api/hwaccels",
		Summary:     "List Hardware Accelerators",
		Description: "List known hardware accelerators and whether the decoding library supports each",
		Tags:        []string{"hwaccel"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.HWAccelListResponse, error) {
		var statuses []models.HWAccelData
		available := 0
		if s.options.Library != nil {
			for _, st := range s.options.Registry.Statuses(s.options.Library) {
				statuses = append(statuses, models.HWAccelData{
					Name:          st.Name,
					Description:   st.Description,
					DefaultDevice: st.DefaultDevice,
					Decoders:      st.Decoders,
					Available:     st.Available,
				})
				if st.Available {
					available++
				}
			}
		} else {
			for _, a := range s.options.Registry.All() {
				statuses = append(statuses, models.HWAccelData{
					Name:          a.Name,
					Description:   a.Description,
					DefaultDevice: a.DefaultDevice,
					Decoders:      a.Decoders,
				})
			}
		}

		body := models.HWAccelListData{
			Accelerators: statuses,
			Count:        len(statuses),
			Available:    available,
		}
		if loads := metrics.GetHWDeviceLoads(); len(loads) > 0 {
			body.DeviceLoads = make(map[string]models.HWDeviceLoadData, len(loads))
			for device, l := range loads {
				body.DeviceLoads[device] = models.HWDeviceLoadData{Load: l.Load, Utilization: l.Utilization}
			}
		}
		return &models.HWAccelListResponse{Body: body}, nil
	})
}
