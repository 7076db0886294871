package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/camcloud-dev/camagent/internal"
	"github.com/camcloud-dev/camagent/pkg/recsync"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

type StatusResponse struct {
	Body struct {
		Version    string        `json:"version" doc:"Agent version"`
		Session    string        `json:"session" doc:"Control session state" example:"READY"`
		CamID      string        `json:"cam_id,omitempty" doc:"Camera ID assigned by the cloud"`
		Mode       string        `json:"mode" doc:"Current sync mode" example:"BY_EVENT_DIRECT_UPLOAD"`
		Memorycard bool          `json:"memorycard" doc:"Whether local recordings back the agent"`
		Sync       recsync.Stats `json:"sync" doc:"Sync engine counters"`
	}
}

type EventConfigView struct {
	Name     string   `json:"name" doc:"Event name" example:"motion"`
	Caps     []string `json:"caps,omitempty" doc:"Immutable capabilities"`
	Active   bool     `json:"active" doc:"Whether the event is processed"`
	Stream   bool     `json:"stream" doc:"Whether the event requests recording sync"`
	Snapshot bool     `json:"snapshot" doc:"Whether the event attaches snapshots"`
	Period   int      `json:"period,omitempty" doc:"Period in seconds for periodic events"`
}

type EventsResponse struct {
	Body struct {
		Events []EventConfigView `json:"events"`
	}
}

type SyncSetup struct {
	Begin  string `json:"begin" doc:"Sync range start" example:"2026-08-25T14:00:00.000000"`
	End    string `json:"end" doc:"Sync range end" example:"2026-08-25T14:05:00.000000"`
	Ticket string `json:"ticket,omitempty" doc:"Cancellation ticket; generated when empty"`
}

type SyncCreateRequest struct {
	Body SyncSetup `json:"body"`
}

type SyncCreateResponse struct {
	Body struct {
		Ticket string `json:"ticket" doc:"Ticket the sync runs under"`
		Begin  string `json:"begin" doc:"Sync range start"`
		End    string `json:"end" doc:"Sync range end"`
	}
}

func createStatusHdlr(s *Server) func(ctx context.Context, input *struct{}) (*StatusResponse, error) {
	return func(ctx context.Context, input *struct{}) (*StatusResponse, error) {
		resp := &StatusResponse{}
		resp.Body.Version = internal.GetVersion()
		resp.Body.Session = s.agent.session.State().String()
		resp.Body.CamID = s.agent.session.Info().CamID
		resp.Body.Mode = s.agent.manager.Mode().String()
		resp.Body.Memorycard = s.agent.manager.MemorycardOK()
		resp.Body.Sync = s.agent.engine.Stats()
		return resp, nil
	}
}

func createEventsHdlr(s *Server) func(ctx context.Context, input *struct{}) (*EventsResponse, error) {
	return func(ctx context.Context, input *struct{}) (*EventsResponse, error) {
		resp := &EventsResponse{}
		for _, cfg := range s.agent.events.Configs() {
			if cfg.Caps.InternalHidden {
				continue
			}
			resp.Body.Events = append(resp.Body.Events, EventConfigView{
				Name:     cfg.Name,
				Caps:     cfg.Caps.strings(),
				Active:   cfg.Active,
				Stream:   cfg.Stream,
				Snapshot: cfg.Snapshot,
				Period:   cfg.PeriodS,
			})
		}
		return resp, nil
	}
}

func createSyncHdlr(s *Server) func(ctx context.Context, req *SyncCreateRequest) (*SyncCreateResponse, error) {
	return func(ctx context.Context, req *SyncCreateRequest) (*SyncCreateResponse, error) {
		if !s.agent.manager.MemorycardOK() {
			return nil, huma.Error400BadRequest("no local recordings to sync from")
		}
		begin, err := timeline.ParseTime(req.Body.Begin)
		if err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("invalid begin: %s", err))
		}
		end, err := timeline.ParseTime(req.Body.End)
		if err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("invalid end: %s", err))
		}
		if !end.After(begin) {
			return nil, huma.Error400BadRequest("end must be after begin")
		}
		ticket := req.Body.Ticket
		if ticket == "" {
			ticket = uuid.NewString()
		}
		s.agent.manager.ManualSync(timeline.NewPeriod(begin, end), ticket)
		resp := &SyncCreateResponse{}
		resp.Body.Ticket = ticket
		resp.Body.Begin = begin.Canonical()
		resp.Body.End = end.Canonical()
		return resp, nil
	}
}

func createRouteAPI(s *Server) func(r chi.Router) {
	return func(r chi.Router) {
		config := huma.DefaultConfig("Camagent operations API", "1.0.0")
		config.Servers = []*huma.Server{
			{URL: "/api"},
		}
		config.Info.Description = `Local operations endpoint of the camera agent: session and sync
		status, event configurations, and manually started recording syncs.`

		api := humachi.New(r, config)

		huma.Register(api, huma.Operation{
			OperationID: "get-status",
			Method:      http.MethodGet,
			Path:        "/status",
			Summary:     "Get agent status",
			Description: "Session state, sync mode, and sync engine counters.",
			Tags:        []string{"status"},
		}, createStatusHdlr(s))

		huma.Register(api, huma.Operation{
			OperationID: "get-events",
			Method:      http.MethodGet,
			Path:        "/events",
			Summary:     "Get event configurations",
			Tags:        []string{"events"},
		}, createEventsHdlr(s))

		huma.Register(api, huma.Operation{
			OperationID:   "create-sync",
			Method:        http.MethodPost,
			Path:          "/syncs",
			Summary:       "Start a recording sync",
			Description:   "Sync the given local recording range to cloud storage.",
			Tags:          []string{"sync"},
			DefaultStatus: http.StatusCreated,
			Errors:        []int{400},
		}, createSyncHdlr(s))
	}
}
