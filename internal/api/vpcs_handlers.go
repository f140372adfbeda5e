package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vpcd/internal/acl"
	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/ipam"
	"github.com/jbweber/homelab/vpcd/internal/repository"
)

type CreateVPCRequest struct {
	Name          string `json:"name"`
	CIDR          string `json:"cidr"`
	Redundant     bool   `json:"redundant"`
	NetworkDomain string `json:"network_domain,omitempty"`
}

type VPCResponse struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	CIDR          string `json:"cidr"`
	Redundant     bool   `json:"redundant"`
	NetworkDomain string `json:"network_domain,omitempty"`
}

func toVPCResponse(v domain.VPC) VPCResponse {
	return VPCResponse{ID: v.ID, Name: v.Name, CIDR: v.CIDR, Redundant: v.Redundant, NetworkDomain: v.NetworkDomain}
}

func parseIPv4Prefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil || !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: cidr %q", domain.ErrInvalidArgument, s)
	}
	return p.Masked(), nil
}

func (a *API) listVPCsHandler(w http.ResponseWriter, r *http.Request) {
	vpcs, err := a.VPCs.FindAll(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]VPCResponse, len(vpcs))
	for i, v := range vpcs {
		response[i] = toVPCResponse(v)
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) createVPCHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateVPCRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}
	prefix, err := parseIPv4Prefix(req.CIDR)
	if err != nil {
		fail(w, r, err)
		return
	}

	vpc, err := a.VPCs.Save(r.Context(), domain.VPC{
		Name:          req.Name,
		CIDR:          prefix.String(),
		Redundant:     req.Redundant,
		NetworkDomain: req.NetworkDomain,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVPCResponse(vpc))
}

func (a *API) getVPCHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	vpc, err := a.VPCs.FindByID(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVPCResponse(vpc))
}

// deleteVPCHandler tears down the VPN state of the VPC, unbinds its ACLs and
// removes it. Networks, public IPs, routers and owned lists go with the row.
func (a *API) deleteVPCHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := a.VPCs.FindByID(ctx, id); err != nil {
		fail(w, r, err)
		return
	}

	if err := a.ACLs.CheckVPCDeletable(ctx, id); err != nil {
		fail(w, r, err)
		return
	}

	if err := a.VPN.DeleteVPC(ctx, id); err != nil {
		fail(w, r, err)
		return
	}

	networks, err := a.Networks.FindByVPCID(ctx, id)
	if err != nil {
		fail(w, r, err)
		return
	}
	ips, err := a.PublicIPs.FindByVPCID(ctx, id)
	if err != nil {
		fail(w, r, err)
		return
	}
	for _, n := range networks {
		if err := a.ACLs.Unbind(ctx, acl.Target{Kind: acl.NetworkTarget, ID: n.ID}); err != nil {
			fail(w, r, err)
			return
		}
	}
	for _, ip := range ips {
		if err := a.ACLs.Unbind(ctx, acl.Target{Kind: acl.PublicIPTarget, ID: ip.ID}); err != nil {
			fail(w, r, err)
			return
		}
	}

	if err := a.VPCs.DeleteByID(ctx, id); err != nil {
		fail(w, r, err)
		return
	}
	for _, n := range networks {
		a.Allocator.RemovePool(n.ID)
	}
	a.ACLs.ForgetVPC(id)

	log.WithFields(log.Fields{"vpc": id, "networks": len(networks)}).Info("Deleted VPC")
	w.WriteHeader(http.StatusNoContent)
}

type CreateNetworkRequest struct {
	VPCID           int64  `json:"vpc_id"`
	Name            string `json:"name"`
	CIDR            string `json:"cidr"`
	Gateway         string `json:"gateway"`
	IPExclusionList string `json:"ip_exclusion_list,omitempty"`
	ACLID           *int64 `json:"acl_id,omitempty"`
}

type NetworkResponse struct {
	ID              int64  `json:"id"`
	VPCID           int64  `json:"vpc_id"`
	Name            string `json:"name"`
	CIDR            string `json:"cidr"`
	Gateway         string `json:"gateway"`
	IPExclusionList string `json:"ip_exclusion_list"`
	ACLID           *int64 `json:"acl_id,omitempty"`
}

func toNetworkResponse(n domain.Network) NetworkResponse {
	return NetworkResponse{
		ID:              n.ID,
		VPCID:           n.VPCID,
		Name:            n.Name,
		CIDR:            n.CIDR,
		Gateway:         n.Gateway,
		IPExclusionList: n.IPExclusionList,
		ACLID:           n.ACLID,
	}
}

func (a *API) listNetworksHandler(w http.ResponseWriter, r *http.Request) {
	networks, err := a.Networks.FindAll(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]NetworkResponse, len(networks))
	for i, n := range networks {
		response[i] = toNetworkResponse(n)
	}
	writeJSON(w, http.StatusOK, response)
}

// checkTier verifies a tier CIDR sits inside the VPC super CIDR and does not
// overlap another tier of the same VPC.
func (a *API) checkTier(r *http.Request, vpc domain.VPC, tier netip.Prefix) error {
	super, err := parseIPv4Prefix(vpc.CIDR)
	if err != nil {
		return err
	}
	if tier.Bits() < super.Bits() || !super.Contains(tier.Addr()) {
		return fmt.Errorf("%w: %s is outside vpc cidr %s", domain.ErrInvalidArgument, tier, super)
	}

	siblings, err := a.Networks.FindByVPCID(r.Context(), vpc.ID)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		other, err := netip.ParsePrefix(s.CIDR)
		if err != nil {
			continue
		}
		if other.Overlaps(tier) {
			return fmt.Errorf("%w: %s overlaps network %q (%s)", domain.ErrConfigConflict, tier, s.Name, s.CIDR)
		}
	}
	return nil
}

func (a *API) createNetworkHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateNetworkRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Gateway == "" {
		writeError(w, http.StatusBadRequest, "Name and Gateway are required")
		return
	}
	ctx := r.Context()

	vpc, err := a.VPCs.FindByID(ctx, req.VPCID)
	if err != nil {
		fail(w, r, err)
		return
	}
	tier, err := parseIPv4Prefix(req.CIDR)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := a.checkTier(r, vpc, tier); err != nil {
		fail(w, r, err)
		return
	}
	if _, err := ipam.NewPool(0, tier.String(), req.Gateway, req.IPExclusionList); err != nil {
		fail(w, r, err)
		return
	}

	network, err := a.Networks.Save(ctx, domain.Network{
		VPCID:           vpc.ID,
		Name:            req.Name,
		CIDR:            tier.String(),
		Gateway:         req.Gateway,
		IPExclusionList: req.IPExclusionList,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if _, err := a.Allocator.AddPool(ctx, network); err != nil {
		if derr := a.Networks.DeleteByID(ctx, network.ID); derr != nil {
			log.WithField("network", network.ID).WithError(derr).Error("Failed to roll back network")
		}
		fail(w, r, err)
		return
	}

	if req.ACLID != nil {
		if err := a.ACLs.ApplyToNetwork(ctx, network.ID, *req.ACLID); err != nil {
			fail(w, r, err)
			return
		}
		network.ACLID = req.ACLID
	}

	writeJSON(w, http.StatusCreated, toNetworkResponse(network))
}

func (a *API) getNetworkHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	network, err := a.Networks.FindByID(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNetworkResponse(network))
}

func (a *API) deleteNetworkHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	if err := a.ACLs.Unbind(ctx, acl.Target{Kind: acl.NetworkTarget, ID: id}); err != nil {
		fail(w, r, err)
		return
	}
	if err := a.Networks.DeleteByID(ctx, id); err != nil {
		fail(w, r, err)
		return
	}
	a.Allocator.RemovePool(id)
	w.WriteHeader(http.StatusNoContent)
}

type UpdateExclusionsRequest struct {
	IPExclusionList string `json:"ip_exclusion_list"`
}

func (a *API) updateExclusionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req UpdateExclusionsRequest
	if !decode(w, r, &req) {
		return
	}
	ranges, err := a.Allocator.UpdateExclusion(r.Context(), id, req.IPExclusionList)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateExclusionsRequest{IPExclusionList: ipam.FormatExclusionList(ranges)})
}

func (a *API) networkStatsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	stats, err := a.Allocator.Stats(id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type LeaseRequest struct {
	IPAddress string `json:"ip_address,omitempty"`
}

type LeaseResponse struct {
	ID         int64  `json:"id"`
	NetworkID  int64  `json:"network_id"`
	InstanceID *int64 `json:"instance_id,omitempty"`
	IPAddress  string `json:"ip_address"`
}

func toLeaseResponse(l domain.IPAddressLease) LeaseResponse {
	return LeaseResponse{ID: l.ID, NetworkID: l.NetworkID, InstanceID: l.InstanceID, IPAddress: l.IPAddress}
}

func (a *API) listLeasesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	leases, err := a.Leases.FindByNetworkID(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]LeaseResponse, len(leases))
	for i, l := range leases {
		response[i] = toLeaseResponse(l)
	}
	writeJSON(w, http.StatusOK, response)
}

func leaseOptions(ip string) ([]ipam.LeaseOption, error) {
	if ip == "" {
		return nil, nil
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("%w: address %q", domain.ErrInvalidArgument, ip)
	}
	return []ipam.LeaseOption{ipam.WithPreferred(addr)}, nil
}

func (a *API) createLeaseHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req LeaseRequest
	if !decode(w, r, &req) {
		return
	}
	opts, err := leaseOptions(req.IPAddress)
	if err != nil {
		fail(w, r, err)
		return
	}
	lease, err := a.Allocator.Lease(r.Context(), id, opts...)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaseResponse(lease))
}

func (a *API) releaseLeaseHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	addr, err := netip.ParseAddr(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid address")
		return
	}
	if err := a.Allocator.Release(r.Context(), id, addr); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type CreateInstanceRequest struct {
	Name      string `json:"name"`
	NetworkID int64  `json:"network_id"`
	IPAddress string `json:"ip_address,omitempty"` // Optional: requested address
	UserData  string `json:"user_data,omitempty"`  // Optional: base64, served at /user-data
}

type InstanceResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	NetworkID int64  `json:"network_id"`
	IPAddress string `json:"ip_address"`
	State     string `json:"state"`
}

func toInstanceResponse(i domain.Instance) InstanceResponse {
	return InstanceResponse{ID: i.ID, Name: i.Name, NetworkID: i.NetworkID, IPAddress: i.IPAddress, State: i.State}
}

func (a *API) listInstancesHandler(w http.ResponseWriter, r *http.Request) {
	instances, err := a.Instances.FindAll(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]InstanceResponse, len(instances))
	for i, inst := range instances {
		response[i] = toInstanceResponse(inst)
	}
	writeJSON(w, http.StatusOK, response)
}

// createInstanceHandler leases an address for the NIC and records the
// instance. The lease is released again when the instance cannot be saved.
func (a *API) createInstanceHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}
	opts, err := leaseOptions(req.IPAddress)
	if err != nil {
		fail(w, r, err)
		return
	}
	userData, err := decodeUserData(req.UserData)
	if err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()

	lease, err := a.Allocator.Lease(ctx, req.NetworkID, opts...)
	if err != nil {
		fail(w, r, err)
		return
	}
	addr := netip.MustParseAddr(lease.IPAddress)

	inst, err := a.Instances.Save(ctx, domain.Instance{
		Name:      req.Name,
		NetworkID: req.NetworkID,
		IPAddress: lease.IPAddress,
		State:     "Running",
		UserData:  userData,
	})
	if err == nil {
		err = a.Leases.AssignInstance(ctx, lease.ID, &inst.ID)
	}
	if err != nil {
		if rerr := a.Allocator.Release(ctx, req.NetworkID, addr); rerr != nil {
			log.WithField("address", lease.IPAddress).WithError(rerr).Error("Failed to release address")
		}
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceResponse(inst))
}

func (a *API) getInstanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	inst, err := a.Instances.FindByID(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

func (a *API) deleteInstanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	inst, err := a.Instances.FindByID(ctx, id)
	if err != nil {
		fail(w, r, err)
		return
	}
	if addr, err := netip.ParseAddr(inst.IPAddress); err == nil {
		if err := a.Allocator.Release(ctx, inst.NetworkID, addr); err != nil && !errors.Is(err, repository.ErrNotFound) {
			fail(w, r, err)
			return
		}
	}
	if err := a.Instances.DeleteByID(ctx, id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type CreatePublicIPRequest struct {
	VPCID     int64  `json:"vpc_id"`
	Address   string `json:"address"`
	SourceNAT bool   `json:"source_nat"`
}

type PublicIPResponse struct {
	ID        int64  `json:"id"`
	VPCID     int64  `json:"vpc_id"`
	Address   string `json:"address"`
	SourceNAT bool   `json:"source_nat"`
	ACLID     *int64 `json:"acl_id,omitempty"`
}

func toPublicIPResponse(p domain.PublicIP) PublicIPResponse {
	return PublicIPResponse{ID: p.ID, VPCID: p.VPCID, Address: p.Address, SourceNAT: p.SourceNAT, ACLID: p.ACLID}
}

func (a *API) listPublicIPsHandler(w http.ResponseWriter, r *http.Request) {
	ips, err := a.PublicIPs.FindAll(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	response := make([]PublicIPResponse, len(ips))
	for i, ip := range ips {
		response[i] = toPublicIPResponse(ip)
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) createPublicIPHandler(w http.ResponseWriter, r *http.Request) {
	var req CreatePublicIPRequest
	if !decode(w, r, &req) {
		return
	}
	addr, err := netip.ParseAddr(req.Address)
	if err != nil || !addr.Is4() {
		writeError(w, http.StatusBadRequest, "Invalid IPv4 address format")
		return
	}
	ctx := r.Context()
	if _, err := a.VPCs.FindByID(ctx, req.VPCID); err != nil {
		fail(w, r, err)
		return
	}
	if req.SourceNAT {
		if existing, err := a.PublicIPs.FindSourceNAT(ctx, req.VPCID); err == nil {
			fail(w, r, fmt.Errorf("%w: vpc %d already has source nat address %s", domain.ErrConfigConflict, req.VPCID, existing.Address))
			return
		}
	}

	ip, err := a.PublicIPs.Save(ctx, domain.PublicIP{VPCID: req.VPCID, Address: addr.String(), SourceNAT: req.SourceNAT})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPublicIPResponse(ip))
}

func (a *API) deletePublicIPHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	if err := a.VPN.DisableRemoteAccess(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		fail(w, r, err)
		return
	}
	if err := a.ACLs.Unbind(ctx, acl.Target{Kind: acl.PublicIPTarget, ID: id}); err != nil {
		fail(w, r, err)
		return
	}
	if err := a.PublicIPs.DeleteByID(ctx, id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
