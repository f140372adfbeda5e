package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vpcd/internal/acl"
	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/ipam"
	"github.com/jbweber/homelab/vpcd/internal/migrations"
	"github.com/jbweber/homelab/vpcd/internal/repository"
	"github.com/jbweber/homelab/vpcd/internal/router"
	"github.com/jbweber/homelab/vpcd/internal/testutil"
	"github.com/jbweber/homelab/vpcd/internal/vpclock"
	"github.com/jbweber/homelab/vpcd/internal/vpn"
)

// staticProber reports a fixed role per router name; unknown routers are unreachable
type staticProber struct {
	mu    sync.Mutex
	roles map[string]router.Role
}

func (p *staticProber) Probe(_ context.Context, r domain.Router) (router.Role, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	role, ok := p.roles[r.Name]
	if !ok {
		return router.RoleUnknown, errors.New("connect: no route to host")
	}
	return role, nil
}

type stubNegotiator struct {
	mu  sync.Mutex
	err error
}

func (n *stubNegotiator) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *stubNegotiator) Negotiate(context.Context, vpn.TunnelConfig) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (n *stubNegotiator) Listen(context.Context, vpn.TunnelConfig) error { return nil }

func (n *stubNegotiator) Status(context.Context, string) (vpn.SAState, error) {
	return vpn.SAEstablished, nil
}

func (n *stubNegotiator) Teardown(context.Context, string) error { return nil }

type testServer struct {
	handler    http.Handler
	prober     *staticProber
	negotiator *stubNegotiator
}

func setupTestAPI(t *testing.T) *testServer {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)

	vpcs := repository.NewVPCRepository(db)
	networks := repository.NewNetworkRepository(db)
	leases := repository.NewIPLeaseRepository(db)
	publicIPs := repository.NewPublicIPRepository(db)
	routers := repository.NewRouterRepository(db)

	engine := acl.NewEngine(repository.NewACLRepository(db), networks, publicIPs)
	require.NoError(t, engine.Load(context.Background(), nil))

	locks := vpclock.New()
	prober := &staticProber{roles: map[string]router.Role{}}
	coordinator := router.NewCoordinator(routers, vpcs, prober, router.NoopController{}, locks, router.Options{
		ProbeRetries: 1,
		ProbeDelay:   time.Millisecond,
		HealthTTL:    time.Minute,
	})

	negotiator := &stubNegotiator{}
	manager := vpn.NewManager(vpn.Stores{
		VPCs:             vpcs,
		PublicIPs:        publicIPs,
		Gateways:         repository.NewVPNGatewayRepository(db),
		CustomerGateways: repository.NewCustomerGatewayRepository(db),
		Connections:      repository.NewVPNConnectionRepository(db),
		RemoteAccess:     repository.NewRemoteAccessVPNRepository(db),
		Users:            repository.NewVPNUserRepository(db),
	}, coordinator, engine, negotiator, locks, time.Second)

	a := NewAPI(Deps{
		VPCs:           vpcs,
		Networks:       networks,
		Leases:         leases,
		Instances:      repository.NewInstanceRepository(db),
		PublicIPs:      publicIPs,
		Routers:        routers,
		Allocator:      ipam.NewAllocator(leases, networks),
		ACLs:           engine,
		Coordinator:    coordinator,
		VPN:            manager,
		SettleAttempts: 3,
		SettleInterval: 10 * time.Millisecond,
	})
	return &testServer{handler: a.NewRouter(), prober: prober, negotiator: negotiator}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createVPC(t *testing.T, name, cidr string, redundant bool) VPCResponse {
	t.Helper()
	w := s.do(t, "POST", "/api/v0/vpcs", CreateVPCRequest{Name: name, CIDR: cidr, Redundant: redundant})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[VPCResponse](t, w)
}

func (s *testServer) createNetwork(t *testing.T, req CreateNetworkRequest) NetworkResponse {
	t.Helper()
	w := s.do(t, "POST", "/api/v0/networks", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[NetworkResponse](t, w)
}

func (s *testServer) createRouter(t *testing.T, vpcID int64, name string) RouterResponse {
	t.Helper()
	w := s.do(t, "POST", "/api/v0/routers", CreateRouterRequest{
		VPCID:       vpcID,
		Name:        name,
		InstanceID:  "i-" + name,
		LinkLocalIP: "169.254.1.1",
		HostAddress: "192.0.2.10",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[RouterResponse](t, w)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := setupTestAPI(t)

	w := s.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = s.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVPCHandlers(t *testing.T) {
	s := setupTestAPI(t)

	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", false)
	assert.Equal(t, "10.1.0.0/16", vpc.CIDR)

	w := s.do(t, "POST", "/api/v0/vpcs", CreateVPCRequest{Name: "vpc1", CIDR: "10.9.0.0/16"})
	assert.Equal(t, http.StatusConflict, w.Code, "duplicate name")

	w = s.do(t, "POST", "/api/v0/vpcs", CreateVPCRequest{Name: "vpc2", CIDR: "10.1.0.0/33"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/vpcs/%d", vpc.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "GET", "/api/v0/vpcs/99999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "GET", "/api/v0/vpcs/invalid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "GET", "/api/v0/vpcs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]VPCResponse](t, w), 1)
}

func TestNetworkHandlers_TierValidation(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", false)

	s.createNetwork(t, CreateNetworkRequest{VPCID: vpc.ID, Name: "tier1", CIDR: "10.1.2.0/24", Gateway: "10.1.2.1"})

	w := s.do(t, "POST", "/api/v0/networks", CreateNetworkRequest{VPCID: vpc.ID, Name: "outside", CIDR: "10.2.0.0/24", Gateway: "10.2.0.1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/v0/networks", CreateNetworkRequest{VPCID: vpc.ID, Name: "overlap", CIDR: "10.1.2.128/25", Gateway: "10.1.2.129"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, "POST", "/api/v0/networks", CreateNetworkRequest{VPCID: vpc.ID, Name: "badgw", CIDR: "10.1.3.0/24", Gateway: "10.1.4.1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/v0/networks", CreateNetworkRequest{VPCID: 99999, Name: "orphan", CIDR: "10.1.5.0/24", Gateway: "10.1.5.1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNetworkHandlers_ExclusionScenario(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", false)
	n := s.createNetwork(t, CreateNetworkRequest{
		VPCID:           vpc.ID,
		Name:            "small",
		CIDR:            "10.1.2.0/29",
		Gateway:         "10.1.2.1",
		IPExclusionList: "10.1.2.2-10.1.2.5",
	})
	leasePath := fmt.Sprintf("/api/v0/networks/%d/leases", n.ID)

	w := s.do(t, "POST", leasePath, LeaseRequest{})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "10.1.2.6", decodeBody[LeaseResponse](t, w).IPAddress)

	w = s.do(t, "POST", leasePath, LeaseRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "pool exhausted")

	w = s.do(t, "PATCH", fmt.Sprintf("/api/v0/networks/%d/exclusions", n.ID), UpdateExclusionsRequest{IPExclusionList: "10.1.2.2-10.1.2.4"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "10.1.2.2-10.1.2.4", decodeBody[UpdateExclusionsRequest](t, w).IPExclusionList)

	w = s.do(t, "POST", leasePath, LeaseRequest{})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "10.1.2.5", decodeBody[LeaseResponse](t, w).IPAddress)

	w = s.do(t, "POST", leasePath, LeaseRequest{IPAddress: "10.1.2.1"})
	assert.Equal(t, http.StatusConflict, w.Code, "gateway is reserved")

	w = s.do(t, "PATCH", fmt.Sprintf("/api/v0/networks/%d/exclusions", n.ID), UpdateExclusionsRequest{IPExclusionList: "10.1.9.1"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "range outside the network")

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/networks/%d/stats", n.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[ipam.Stats](t, w)
	assert.Equal(t, 8, stats.Total)
	assert.Equal(t, 2, stats.Leased)
	assert.Zero(t, stats.Free)

	w = s.do(t, "DELETE", leasePath+"/10.1.2.6", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", leasePath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	leases := decodeBody[[]LeaseResponse](t, w)
	require.Len(t, leases, 1)
	assert.Equal(t, "10.1.2.5", leases[0].IPAddress)

	w = s.do(t, "DELETE", leasePath+"/not-an-ip", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInstanceHandlers(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", false)
	n := s.createNetwork(t, CreateNetworkRequest{VPCID: vpc.ID, Name: "tier1", CIDR: "10.1.3.0/24", Gateway: "10.1.3.1"})

	w := s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{Name: "web-1", NetworkID: n.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inst := decodeBody[InstanceResponse](t, w)
	assert.Equal(t, "10.1.3.2", inst.IPAddress)

	w = s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{Name: "web-2", NetworkID: n.ID, IPAddress: "10.1.3.2"})
	assert.Equal(t, http.StatusConflict, w.Code, "address already leased")

	w = s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{Name: "web-1", NetworkID: n.ID})
	assert.Equal(t, http.StatusConflict, w.Code, "duplicate name")

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/networks/%d/leases", n.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	leases := decodeBody[[]LeaseResponse](t, w)
	require.Len(t, leases, 1, "lease of the failed instance is released")
	require.NotNil(t, leases[0].InstanceID)
	assert.Equal(t, inst.ID, *leases[0].InstanceID)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/instances/%d", inst.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/networks/%d/leases", n.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]LeaseResponse](t, w))

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/instances/%d", inst.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// guest issues a metadata request the way the VPC router forwards it
func (s *testServer) guest(t *testing.T, path, addr string, networkID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("X-Forwarded-For", addr)
	if networkID != 0 {
		req.Header.Set("X-Network-ID", strconv.FormatInt(networkID, 10))
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func TestInstanceHandlers_UserData(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", false)
	n := s.createNetwork(t, CreateNetworkRequest{VPCID: vpc.ID, Name: "tier1", CIDR: "10.1.3.0/24", Gateway: "10.1.3.1"})

	// larger than the old 2KB limit
	script := "#!/bin/sh\n" + strings.Repeat("echo userdata\n", 250)
	require.Greater(t, len(script), 2048)
	w := s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{
		Name:      "vm-1",
		NetworkID: n.ID,
		UserData:  base64.StdEncoding.EncodeToString([]byte(script)),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inst := decodeBody[InstanceResponse](t, w)

	w = s.guest(t, "/latest/user-data", inst.IPAddress, 0)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, script, w.Body.String())

	w = s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{
		Name:      "vm-max",
		NetworkID: n.ID,
		UserData:  base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("a"), domain.MaxUserDataSize)),
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{
		Name:      "vm-big",
		NetworkID: n.ID,
		UserData:  base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("a"), domain.MaxUserDataSize+1)),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "limit is 4096")

	w = s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{Name: "vm-bad", NetworkID: n.ID, UserData: "not base64!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// rejected requests lease nothing
	w = s.do(t, "GET", fmt.Sprintf("/api/v0/networks/%d/leases", n.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]LeaseResponse](t, w), 2)
}

func TestMetaDataHandlers(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", false)
	n := s.createNetwork(t, CreateNetworkRequest{VPCID: vpc.ID, Name: "tier1", CIDR: "10.1.3.0/24", Gateway: "10.1.3.1"})

	w := s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{Name: "web-1", NetworkID: n.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inst := decodeBody[InstanceResponse](t, w)

	w = s.guest(t, "/meta-data", "10.1.3.2", 0)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/yaml; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf("instance-id: iid-%08d\nhostname: web-1\nlocal-hostname: web-1\nlocal-ipv4: 10.1.3.2\n", inst.ID), w.Body.String())

	w = s.guest(t, "/latest/meta-data/local-ipv4", "10.1.3.2", 0)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10.1.3.2\n", w.Body.String())

	w = s.guest(t, "/meta-data/", "10.1.3.2", 0)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "local-hostname\n")

	w = s.guest(t, "/meta-data/ami-id", "10.1.3.2", 0)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.guest(t, "/user-data", "10.1.3.2", 0)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = s.guest(t, "/user-data", "10.1.3.99", 0)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.guest(t, "/user-data", "not-an-ip", 0)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// the same tier layout in a second VPC leases the same address
	vpc2 := s.createVPC(t, "vpc2", "10.1.0.0/16", false)
	n2 := s.createNetwork(t, CreateNetworkRequest{VPCID: vpc2.ID, Name: "tier1", CIDR: "10.1.3.0/24", Gateway: "10.1.3.1"})
	w = s.do(t, "POST", "/api/v0/instances", CreateInstanceRequest{Name: "web-2", NetworkID: n2.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.guest(t, "/meta-data/local-hostname", "10.1.3.2", 0)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.guest(t, "/meta-data/local-hostname", "10.1.3.2", n2.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "web-2\n", w.Body.String())
}

func TestACLHandlers(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", false)
	n := s.createNetwork(t, CreateNetworkRequest{VPCID: vpc.ID, Name: "tier1", CIDR: "10.1.2.0/24", Gateway: "10.1.2.1"})

	w := s.do(t, "POST", "/api/v0/acls", CreateACLRequest{VPCID: &vpc.ID, Name: "web"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	list := decodeBody[ACLResponse](t, w)

	rulesPath := fmt.Sprintf("/api/v0/acls/%d/rules", list.ID)
	w = s.do(t, "POST", rulesPath, RuleRequest{Number: 10, Protocol: "tcp", Action: "Allow", TrafficType: "Ingress", StartPort: 22, EndPort: 22, CIDRList: "0.0.0.0/0"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rule := decodeBody[RuleResponse](t, w)

	w = s.do(t, "POST", rulesPath, RuleRequest{Number: 20, Protocol: "gre", Action: "Allow", TrafficType: "Ingress"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	aclPath := fmt.Sprintf("/api/v0/networks/%d/acl", n.ID)
	w = s.do(t, "PUT", aclPath, BindACLRequest{ACLID: list.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	evaluate := func(port int) EvaluateResponse {
		w := s.do(t, "POST", aclPath+"/evaluate", EvaluateRequest{Protocol: "tcp", TrafficType: "Ingress", Port: port, Remote: "198.51.100.7"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return decodeBody[EvaluateResponse](t, w)
	}
	assert.Equal(t, EvaluateResponse{Verdict: "Allow", Bound: true}, evaluate(22))
	assert.Equal(t, EvaluateResponse{Verdict: "Deny", Bound: true}, evaluate(80))

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/acls/%d", list.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code, "list is bound")

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/acls/%d", migrations.DefaultAllowACLID), nil)
	assert.Equal(t, http.StatusConflict, w.Code, "built-in list")

	w = s.do(t, "DELETE", fmt.Sprintf("%s/%d", rulesPath, rule.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, EvaluateResponse{Verdict: "Deny", Bound: true}, evaluate(22))

	w = s.do(t, "DELETE", aclPath, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, EvaluateResponse{Verdict: "Deny", Bound: false}, evaluate(22))

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/acls/%d", list.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/acls/%d", list.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "GET", "/api/v0/acls", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]ACLResponse](t, w), 2, "only the built-in lists remain")
}

func TestACLHandlers_ListStaysInItsVPC(t *testing.T) {
	s := setupTestAPI(t)
	vpcA := s.createVPC(t, "vpc1", "10.1.0.0/16", false)
	vpcB := s.createVPC(t, "vpc2", "10.2.0.0/16", false)
	tierA := s.createNetwork(t, CreateNetworkRequest{VPCID: vpcA.ID, Name: "tier1", CIDR: "10.1.2.0/24", Gateway: "10.1.2.1"})

	w := s.do(t, "POST", "/api/v0/acls", CreateACLRequest{VPCID: &vpcB.ID, Name: "b-web"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	listB := decodeBody[ACLResponse](t, w)

	w = s.do(t, "PUT", fmt.Sprintf("/api/v0/networks/%d/acl", tierA.ID), BindACLRequest{ACLID: listB.ID})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/vpcs/%d", vpcB.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/vpcs/%d", vpcB.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, "GET", fmt.Sprintf("/api/v0/acls/%d", listB.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterHandlers(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", true)
	r1 := s.createRouter(t, vpc.ID, "r-1")
	r2 := s.createRouter(t, vpc.ID, "r-2")
	assert.True(t, r1.Redundant)

	s.prober.mu.Lock()
	s.prober.roles["r-1"] = router.RoleMaster
	s.prober.roles["r-2"] = router.RoleBackup
	s.prober.mu.Unlock()

	w := s.do(t, "POST", fmt.Sprintf("/api/v0/routers/%d/probe", r2.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BACKUP", decodeBody[ProbeResponse](t, w).Role)

	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpcs/%d/settle", vpc.ID), SettleRequest{MaxAttempts: 2, Interval: "5ms"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeBody[SettleResponse](t, w).Settled)

	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpcs/%d/settle", vpc.ID), SettleRequest{Interval: "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/vpcs/%d/master", vpc.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, r1.ID, decodeBody[RouterResponse](t, w).ID)

	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpcs/%d/failover", vpc.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stopped := decodeBody[RouterResponse](t, w)
	assert.Equal(t, r1.ID, stopped.ID)
	assert.Equal(t, router.StateStopped, stopped.State)

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/routers/%d", r1.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, router.StateStopped, decodeBody[RouterResponse](t, w).State)

	lone := s.createVPC(t, "vpc2", "10.2.0.0/16", false)
	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpcs/%d/failover", lone.ID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/vpcs/%d/master", lone.ID), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no router at all")

	r3 := s.createRouter(t, vpc.ID, "r-3")
	w = s.do(t, "POST", fmt.Sprintf("/api/v0/routers/%d/probe", r3.ID), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestVPNHandlers(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "edge", "10.1.0.0/16", false)
	s.createRouter(t, vpc.ID, "r-edge")

	w := s.do(t, "POST", fmt.Sprintf("/api/v0/vpcs/%d/vpn-gateway", vpc.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no source nat address yet")

	w = s.do(t, "POST", "/api/v0/public-ips", CreatePublicIPRequest{VPCID: vpc.ID, Address: "203.0.113.10", SourceNAT: true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	snat := decodeBody[PublicIPResponse](t, w)

	w = s.do(t, "POST", "/api/v0/public-ips", CreatePublicIPRequest{VPCID: vpc.ID, Address: "203.0.113.11", SourceNAT: true})
	assert.Equal(t, http.StatusConflict, w.Code, "one source nat address per vpc")

	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpcs/%d/vpn-gateway", vpc.ID), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	gw := decodeBody[GatewayResponse](t, w)
	assert.Equal(t, "203.0.113.10", gw.PublicIP)

	w = s.do(t, "POST", "/api/v0/vpn/customer-gateways", CustomerGatewayRequest{
		Name: "bad", GatewayIP: "203.0.113.20", CIDRList: "10.2.0.0/16", IKEPolicy: "rc4-md5", ESPPolicy: "3des-md5", PSK: "ipsecpsk",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/v0/vpn/customer-gateways", CustomerGatewayRequest{
		Name: "peer", GatewayIP: "203.0.113.20", CIDRList: "10.2.0.0/16", IKEPolicy: "3des-md5;modp1536", ESPPolicy: "3des-md5;modp1536", PSK: "ipsecpsk",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cg := decodeBody[CustomerGatewayRequest](t, w)
	assert.Empty(t, cg.PSK)
	assert.Equal(t, 86400, cg.IKELifetime)

	w = s.do(t, "POST", "/api/v0/vpn/connections", ConnectRequest{GatewayID: gw.ID, CustomerGatewayID: cg.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	conn := decodeBody[ConnectionResponse](t, w)
	assert.Equal(t, vpn.StateConnected, conn.State)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/vpn/customer-gateways/%d", cg.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code, "peer is in use")

	s.negotiator.fail(fmt.Errorf("%w: NO_PROPOSAL_CHOSEN", domain.ErrPolicyMismatch))
	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpn/connections/%d/reset", conn.ID), nil)
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	failed := decodeBody[ConnectionErrorResponse](t, w)
	assert.Equal(t, vpn.StateFailed, failed.Connection.State)
	assert.Contains(t, failed.Connection.FailureReason, "NO_PROPOSAL_CHOSEN")

	s.negotiator.fail(nil)
	w = s.do(t, "PUT", fmt.Sprintf("/api/v0/public-ips/%d/acl", snat.ID), BindACLRequest{ACLID: migrations.DefaultDenyACLID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpn/connections/%d/reset", conn.ID), nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "ike blocked by the bound list")

	w = s.do(t, "PUT", fmt.Sprintf("/api/v0/public-ips/%d/acl", snat.ID), BindACLRequest{ACLID: migrations.DefaultAllowACLID})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpn/connections/%d/reset", conn.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, vpn.StateConnected, decodeBody[ConnectionResponse](t, w).State)

	w = s.do(t, "POST", fmt.Sprintf("/api/v0/vpn/connections/%d/refresh", conn.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/vpn/gateways/%d/connections", gw.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]ConnectionResponse](t, w), 1)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/vpn/connections/%d", conn.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/vpcs/%d", vpc.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", fmt.Sprintf("/api/v0/vpcs/%d/vpn-gateway", vpc.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemoteAccessHandlers(t *testing.T) {
	s := setupTestAPI(t)
	vpc := s.createVPC(t, "vpc1", "10.1.0.0/16", false)

	w := s.do(t, "POST", "/api/v0/public-ips", CreatePublicIPRequest{VPCID: vpc.ID, Address: "203.0.113.30"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ip := decodeBody[PublicIPResponse](t, w)
	path := fmt.Sprintf("/api/v0/public-ips/%d/remote-access", ip.ID)

	w = s.do(t, "POST", path, RemoteAccessRequest{IPRange: "10.1.2.1-10.1.2.10"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "range inside the vpc cidr")

	w = s.do(t, "POST", path, RemoteAccessRequest{IPRange: "10.2.2.1-10.2.2.10"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ra := decodeBody[RemoteAccessResponse](t, w)
	assert.NotEmpty(t, ra.PSK)

	w = s.do(t, "GET", path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10.2.2.1-10.2.2.10", decodeBody[RemoteAccessResponse](t, w).IPRange)

	w = s.do(t, "POST", "/api/v0/vpn/users", UserRequest{Username: "alice", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/v0/vpn/users", UserRequest{Username: "alice", Password: "correct horse"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, "GET", "/api/v0/vpn/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decodeBody[[]UserResponse](t, w)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)

	w = s.do(t, "DELETE", "/api/v0/vpn/users/alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, "DELETE", "/api/v0/vpn/users/alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v0/public-ips/%d", ip.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{repository.ErrDuplicate, http.StatusConflict},
		{domain.NewOpError("replace acl", "network 1", domain.ErrConfigConflict), http.StatusConflict},
		{domain.ErrAddressUnavailable, http.StatusConflict},
		{repository.ErrInvalidEntity, http.StatusBadRequest},
		{domain.ErrInvalidArgument, http.StatusBadRequest},
		{domain.ErrACLDenied, http.StatusForbidden},
		{domain.NewOpError("lease", "network 1", domain.ErrNoAddressAvailable), http.StatusServiceUnavailable},
		{domain.ErrUnreachable, http.StatusServiceUnavailable},
		{domain.ErrNoMaster, http.StatusServiceUnavailable},
		{domain.ErrPolicyMismatch, http.StatusBadGateway},
		{domain.ErrNegotiationTimeout, http.StatusGatewayTimeout},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
