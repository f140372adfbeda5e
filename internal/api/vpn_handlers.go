package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

type GatewayResponse struct {
	ID       int64  `json:"id"`
	VPCID    int64  `json:"vpc_id"`
	PublicIP string `json:"public_ip"`
}

func (a *API) getGatewayHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	gw, err := a.VPN.Gateway(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GatewayResponse{ID: gw.ID, VPCID: gw.VPCID, PublicIP: gw.PublicIP})
}

func (a *API) createGatewayHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	gw, err := a.VPN.CreateGateway(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, GatewayResponse{ID: gw.ID, VPCID: gw.VPCID, PublicIP: gw.PublicIP})
}

// CustomerGatewayRequest doubles as the response; the PSK is never echoed back
type CustomerGatewayRequest struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name"`
	GatewayIP   string `json:"gateway_ip"`
	CIDRList    string `json:"cidr_list"`
	IKEPolicy   string `json:"ike_policy"`
	ESPPolicy   string `json:"esp_policy"`
	PSK         string `json:"psk,omitempty"`
	IKELifetime int    `json:"ike_lifetime,omitempty"`
	ESPLifetime int    `json:"esp_lifetime,omitempty"`
	DPD         bool   `json:"dpd"`
}

func toCustomerGatewayResponse(cg domain.VPNCustomerGateway) CustomerGatewayRequest {
	return CustomerGatewayRequest{
		ID:          cg.ID,
		Name:        cg.Name,
		GatewayIP:   cg.GatewayIP,
		CIDRList:    cg.CIDRList,
		IKEPolicy:   cg.IKEPolicy,
		ESPPolicy:   cg.ESPPolicy,
		IKELifetime: cg.IKELifetime,
		ESPLifetime: cg.ESPLifetime,
		DPD:         cg.DPD,
	}
}

func (a *API) listCustomerGatewaysHandler(w http.ResponseWriter, r *http.Request) {
	cgs, err := a.VPN.CustomerGateways(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]CustomerGatewayRequest, len(cgs))
	for i, cg := range cgs {
		response[i] = toCustomerGatewayResponse(cg)
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) createCustomerGatewayHandler(w http.ResponseWriter, r *http.Request) {
	var req CustomerGatewayRequest
	if !decode(w, r, &req) {
		return
	}
	cg, err := a.VPN.CreateCustomerGateway(r.Context(), domain.VPNCustomerGateway{
		Name:        req.Name,
		GatewayIP:   req.GatewayIP,
		CIDRList:    req.CIDRList,
		IKEPolicy:   req.IKEPolicy,
		ESPPolicy:   req.ESPPolicy,
		PSK:         req.PSK,
		IKELifetime: req.IKELifetime,
		ESPLifetime: req.ESPLifetime,
		DPD:         req.DPD,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerGatewayResponse(cg))
}

func (a *API) deleteCustomerGatewayHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := a.VPN.DeleteCustomerGateway(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ConnectRequest struct {
	GatewayID         int64 `json:"gateway_id"`
	CustomerGatewayID int64 `json:"customer_gateway_id"`
	Passive           bool  `json:"passive"`
}

type ConnectionResponse struct {
	ID                int64  `json:"id"`
	GatewayID         int64  `json:"gateway_id"`
	CustomerGatewayID int64  `json:"customer_gateway_id"`
	Passive           bool   `json:"passive"`
	State             string `json:"state"`
	FailureReason     string `json:"failure_reason,omitempty"`
}

// ConnectionErrorResponse is returned when a tunnel was stored but failed to come up
type ConnectionErrorResponse struct {
	Error      string             `json:"error"`
	Connection ConnectionResponse `json:"connection"`
}

func toConnectionResponse(c domain.VPNConnection) ConnectionResponse {
	return ConnectionResponse{
		ID:                c.ID,
		GatewayID:         c.GatewayID,
		CustomerGatewayID: c.CustomerGatewayID,
		Passive:           c.Passive,
		State:             c.State,
		FailureReason:     c.FailureReason,
	}
}

// writeConnection replies with the tunnel; a failed negotiation still
// returns the stored connection next to the error.
func writeConnection(w http.ResponseWriter, r *http.Request, status int, c domain.VPNConnection, err error) {
	if err == nil {
		writeJSON(w, status, toConnectionResponse(c))
		return
	}
	if c.ID == 0 {
		fail(w, r, err)
		return
	}
	writeJSON(w, statusFor(err), ConnectionErrorResponse{Error: err.Error(), Connection: toConnectionResponse(c)})
}

func (a *API) listConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	conns, err := a.VPN.Connections(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]ConnectionResponse, len(conns))
	for i, c := range conns {
		response[i] = toConnectionResponse(c)
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) connectHandler(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decode(w, r, &req) {
		return
	}
	conn, err := a.VPN.Connect(r.Context(), req.GatewayID, req.CustomerGatewayID, req.Passive)
	writeConnection(w, r, http.StatusCreated, conn, err)
}

func (a *API) resetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	conn, err := a.VPN.Reset(r.Context(), id)
	writeConnection(w, r, http.StatusOK, conn, err)
}

func (a *API) refreshHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	conn, err := a.VPN.Refresh(r.Context(), id)
	writeConnection(w, r, http.StatusOK, conn, err)
}

func (a *API) deleteConnectionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := a.VPN.Delete(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type RemoteAccessRequest struct {
	IPRange string `json:"ip_range"`
}

type RemoteAccessResponse struct {
	ID         int64  `json:"id"`
	PublicIPID int64  `json:"public_ip_id"`
	IPRange    string `json:"ip_range"`
	PSK        string `json:"psk"`
	State      string `json:"state"`
}

func toRemoteAccessResponse(v domain.RemoteAccessVPN) RemoteAccessResponse {
	return RemoteAccessResponse{ID: v.ID, PublicIPID: v.PublicIPID, IPRange: v.IPRange, PSK: v.PSK, State: v.State}
}

func (a *API) getRemoteAccessHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	v, err := a.VPN.RemoteAccess(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRemoteAccessResponse(v))
}

func (a *API) enableRemoteAccessHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req RemoteAccessRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := a.VPN.EnableRemoteAccess(r.Context(), id, req.IPRange)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRemoteAccessResponse(v))
}

func (a *API) disableRemoteAccessHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := a.VPN.DisableRemoteAccess(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UserRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (a *API) listUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.VPN.Users(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]UserResponse, len(users))
	for i, u := range users {
		response[i] = UserResponse{ID: u.ID, Username: u.Username}
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) addUserHandler(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := a.VPN.AddUser(r.Context(), req.Username, req.Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UserResponse{ID: u.ID, Username: u.Username})
}

func (a *API) removeUserHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.VPN.RemoveUser(r.Context(), chi.URLParam(r, "username")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
