package api

import (
	"net/http"
	"time"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

type CreateRouterRequest struct {
	VPCID       int64  `json:"vpc_id"`
	Name        string `json:"name"`
	InstanceID  string `json:"instance_id"`
	LinkLocalIP string `json:"link_local_ip"`
	HostAddress string `json:"host_address"`
	HostPort    int    `json:"host_port,omitempty"`
}

type RouterResponse struct {
	ID          int64  `json:"id"`
	VPCID       int64  `json:"vpc_id"`
	Name        string `json:"name"`
	InstanceID  string `json:"instance_id"`
	LinkLocalIP string `json:"link_local_ip"`
	HostAddress string `json:"host_address"`
	HostPort    int    `json:"host_port"`
	Redundant   bool   `json:"redundant"`
	State       string `json:"state"`
	Role        string `json:"role"`
}

func toRouterResponse(rt domain.Router) RouterResponse {
	return RouterResponse{
		ID:          rt.ID,
		VPCID:       rt.VPCID,
		Name:        rt.Name,
		InstanceID:  rt.InstanceID,
		LinkLocalIP: rt.LinkLocalIP,
		HostAddress: rt.HostAddress,
		HostPort:    rt.HostPort,
		Redundant:   rt.Redundant,
		State:       rt.State,
		Role:        rt.Role,
	}
}

func (a *API) listRoutersHandler(w http.ResponseWriter, r *http.Request) {
	routers, err := a.Routers.FindAll(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]RouterResponse, len(routers))
	for i, rt := range routers {
		response[i] = toRouterResponse(rt)
	}
	writeJSON(w, http.StatusOK, response)
}

// createRouterHandler registers a router; it joins the redundant pair when
// its VPC is redundant.
func (a *API) createRouterHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRouterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.HostAddress == "" {
		writeError(w, http.StatusBadRequest, "Name and HostAddress are required")
		return
	}
	vpc, err := a.VPCs.FindByID(r.Context(), req.VPCID)
	if err != nil {
		fail(w, r, err)
		return
	}

	rt, err := a.Routers.Save(r.Context(), domain.Router{
		VPCID:       vpc.ID,
		Name:        req.Name,
		InstanceID:  req.InstanceID,
		LinkLocalIP: req.LinkLocalIP,
		HostAddress: req.HostAddress,
		HostPort:    req.HostPort,
		Redundant:   vpc.Redundant,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRouterResponse(rt))
}

func (a *API) getRouterHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	rt, err := a.Routers.FindByID(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouterResponse(rt))
}

type ProbeResponse struct {
	RouterID int64  `json:"router_id"`
	Role     string `json:"role"`
}

func (a *API) probeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	rt, err := a.Routers.FindByID(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	role, err := a.Coordinator.Probe(r.Context(), rt)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{RouterID: rt.ID, Role: string(role)})
}

type SettleRequest struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Interval    string `json:"interval,omitempty"` // Go duration, e.g. "2s"
}

type SettleResponse struct {
	Settled bool `json:"settled"`
}

// settleHandler blocks until the router pair of the VPC reports one MASTER
// and one BACKUP, or the attempt budget runs out.
func (a *API) settleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	req := SettleRequest{}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	attempts, interval := a.SettleAttempts, a.SettleInterval
	if req.MaxAttempts > 0 {
		attempts = req.MaxAttempts
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid interval")
			return
		}
		interval = d
	}

	settled, err := a.Coordinator.WaitForSettledPair(r.Context(), id, attempts, interval)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{Settled: settled})
}

func (a *API) failoverHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	stopped, err := a.Coordinator.ForceFailover(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouterResponse(stopped))
}

func (a *API) masterHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	master, err := a.Coordinator.Master(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouterResponse(master))
}
