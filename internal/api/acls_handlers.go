package api

import (
	"net/http"
	"net/netip"

	"github.com/jbweber/homelab/vpcd/internal/acl"
	"github.com/jbweber/homelab/vpcd/internal/domain"
)

type CreateACLRequest struct {
	VPCID       *int64 `json:"vpc_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type RuleRequest struct {
	Number      int    `json:"number"`
	Protocol    string `json:"protocol"`
	Action      string `json:"action"`
	TrafficType string `json:"traffic_type"`
	StartPort   int    `json:"start_port,omitempty"`
	EndPort     int    `json:"end_port,omitempty"`
	CIDRList    string `json:"cidr_list,omitempty"`
}

type RuleResponse struct {
	ID          int64  `json:"id"`
	Number      int    `json:"number"`
	Protocol    string `json:"protocol"`
	Action      string `json:"action"`
	TrafficType string `json:"traffic_type"`
	StartPort   int    `json:"start_port"`
	EndPort     int    `json:"end_port"`
	CIDRList    string `json:"cidr_list"`
}

type ACLResponse struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Rules []RuleResponse `json:"rules"`
}

func toRuleResponse(listID int64, r acl.Rule) RuleResponse {
	d := r.ToDomain(listID)
	return RuleResponse{
		ID:          d.ID,
		Number:      d.Number,
		Protocol:    d.Protocol,
		Action:      d.Action,
		TrafficType: d.TrafficType,
		StartPort:   d.StartPort,
		EndPort:     d.EndPort,
		CIDRList:    d.CIDRList,
	}
}

func toACLResponse(l *acl.List) ACLResponse {
	rules := make([]RuleResponse, len(l.Rules))
	for i, r := range l.Rules {
		rules[i] = toRuleResponse(l.ID, r)
	}
	return ACLResponse{ID: l.ID, Name: l.Name, Rules: rules}
}

func (a *API) listACLsHandler(w http.ResponseWriter, r *http.Request) {
	lists := a.ACLs.Lists()
	response := make([]ACLResponse, len(lists))
	for i, l := range lists {
		response[i] = toACLResponse(l)
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) createACLHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateACLRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}
	if req.VPCID != nil {
		if _, err := a.VPCs.FindByID(r.Context(), *req.VPCID); err != nil {
			fail(w, r, err)
			return
		}
	}
	list, err := a.ACLs.CreateList(r.Context(), req.VPCID, req.Name, req.Description)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toACLResponse(list))
}

func (a *API) getACLHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	list, err := a.ACLs.List(id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toACLResponse(list))
}

func (a *API) deleteACLHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := a.ACLs.DeleteList(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := a.ACLs.AddRule(r.Context(), id, domain.ACLRule{
		Number:      req.Number,
		Protocol:    req.Protocol,
		Action:      req.Action,
		TrafficType: req.TrafficType,
		StartPort:   req.StartPort,
		EndPort:     req.EndPort,
		CIDRList:    req.CIDRList,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleResponse(id, rule))
}

func (a *API) removeRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ruleID, ok := idParam(w, r, "ruleID")
	if !ok {
		return
	}
	if err := a.ACLs.RemoveRule(r.Context(), id, ruleID); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type BindACLRequest struct {
	ACLID int64 `json:"acl_id"`
}

func (a *API) bind(w http.ResponseWriter, r *http.Request, kind acl.TargetKind) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req BindACLRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.ACLs.Replace(r.Context(), acl.Target{Kind: kind, ID: id}, req.ACLID); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) unbind(w http.ResponseWriter, r *http.Request, kind acl.TargetKind) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := a.ACLs.Unbind(r.Context(), acl.Target{Kind: kind, ID: id}); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) bindNetworkACLHandler(w http.ResponseWriter, r *http.Request) {
	a.bind(w, r, acl.NetworkTarget)
}

func (a *API) unbindNetworkACLHandler(w http.ResponseWriter, r *http.Request) {
	a.unbind(w, r, acl.NetworkTarget)
}

func (a *API) bindPublicIPACLHandler(w http.ResponseWriter, r *http.Request) {
	a.bind(w, r, acl.PublicIPTarget)
}

func (a *API) unbindPublicIPACLHandler(w http.ResponseWriter, r *http.Request) {
	a.unbind(w, r, acl.PublicIPTarget)
}

type EvaluateRequest struct {
	Protocol    string `json:"protocol"`
	TrafficType string `json:"traffic_type"`
	Port        int    `json:"port,omitempty"`
	Remote      string `json:"remote"`
}

type EvaluateResponse struct {
	Verdict string `json:"verdict"`
	Bound   bool   `json:"bound"`
}

func (a *API) evaluate(w http.ResponseWriter, r *http.Request, kind acl.TargetKind) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req EvaluateRequest
	if !decode(w, r, &req) {
		return
	}
	proto, err := acl.ParseProtocol(req.Protocol)
	if err != nil {
		fail(w, r, err)
		return
	}
	dir, err := acl.ParseDirection(req.TrafficType)
	if err != nil {
		fail(w, r, err)
		return
	}
	remote, err := netip.ParseAddr(req.Remote)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid remote address")
		return
	}

	verdict, bound := a.ACLs.Evaluate(acl.Target{Kind: kind, ID: id}, acl.Packet{
		Protocol:  proto,
		Direction: dir,
		Port:      req.Port,
		Remote:    remote,
	})
	writeJSON(w, http.StatusOK, EvaluateResponse{Verdict: verdict.String(), Bound: bound})
}

func (a *API) evaluatePublicIPHandler(w http.ResponseWriter, r *http.Request) {
	a.evaluate(w, r, acl.PublicIPTarget)
}

func (a *API) evaluateNetworkHandler(w http.ResponseWriter, r *http.Request) {
	a.evaluate(w, r, acl.NetworkTarget)
}
