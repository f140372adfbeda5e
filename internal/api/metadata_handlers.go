package api

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// networkHeader lets the router proxying a metadata request name the tier
// the guest sits on, for addresses that overlap between VPCs.
const networkHeader = "X-Network-ID"

var metaDataKeys = []string{"instance-id", "hostname", "local-hostname", "local-ipv4"}

// decodeUserData decodes base64 user data and enforces the size limit
func decodeUserData(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: user data is not valid base64", domain.ErrInvalidArgument)
	}
	if len(raw) > domain.MaxUserDataSize {
		return "", fmt.Errorf("%w: user data is %d bytes, the limit is %d", domain.ErrInvalidArgument, len(raw), domain.MaxUserDataSize)
	}
	return string(raw), nil
}

// extractClientIP prefers X-Forwarded-For, set by the VPC router that
// proxies guest requests, over the peer address.
func extractClientIP(r *http.Request) (netip.Addr, error) {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		var err error
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("unable to parse remote address: %w", err)
		}
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid client address %q", ip)
	}
	return addr.Unmap(), nil
}

// instanceForRequest finds the instance holding the requester's leased
// address. It writes the error reply itself and reports false on failure.
func (a *API) instanceForRequest(w http.ResponseWriter, r *http.Request) (domain.Instance, bool) {
	addr, err := extractClientIP(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.Instance{}, false
	}

	var networkID int64
	if h := r.Header.Get(networkHeader); h != "" {
		if networkID, err = strconv.ParseInt(h, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+networkHeader)
			return domain.Instance{}, false
		}
	}

	candidates, err := a.Instances.FindByIPAddress(r.Context(), addr.String())
	if err != nil {
		fail(w, r, err)
		return domain.Instance{}, false
	}
	var matches []domain.Instance
	for _, inst := range candidates {
		if networkID == 0 || inst.NetworkID == networkID {
			matches = append(matches, inst)
		}
	}

	switch len(matches) {
	case 0:
		log.WithField("address", addr).Debug("No instance for metadata request")
		writeError(w, http.StatusNotFound, "instance not found")
		return domain.Instance{}, false
	case 1:
		return matches[0], true
	}
	writeError(w, http.StatusConflict, fmt.Sprintf("address %s is leased on %d networks, set %s", addr, len(matches), networkHeader))
	return domain.Instance{}, false
}

func metaDataValue(inst domain.Instance, key string) (string, bool) {
	switch key {
	case "instance-id":
		return fmt.Sprintf("iid-%08d", inst.ID), true
	case "hostname", "local-hostname":
		return inst.Name, true
	case "local-ipv4":
		return inst.IPAddress, true
	}
	return "", false
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		log.WithError(err).Error("failed to write metadata response")
	}
}

// userDataHandler serves the user data of the requesting instance verbatim
func (a *API) userDataHandler(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.instanceForRequest(w, r)
	if !ok {
		return
	}
	writeText(w, "application/octet-stream", inst.UserData)
}

// metaDataHandler serves every key as a NoCloud YAML document
func (a *API) metaDataHandler(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.instanceForRequest(w, r)
	if !ok {
		return
	}
	var doc string
	for _, key := range metaDataKeys {
		value, _ := metaDataValue(inst, key)
		doc += key + ": " + value + "\n"
	}
	writeText(w, "text/yaml; charset=utf-8", doc)
}

func (a *API) metaDataDirectoryHandler(w http.ResponseWriter, r *http.Request) {
	var dir string
	for _, key := range metaDataKeys {
		dir += key + "\n"
	}
	writeText(w, "text/plain; charset=utf-8", dir)
}

func (a *API) metaDataKeyHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	inst, ok := a.instanceForRequest(w, r)
	if !ok {
		return
	}
	value, known := metaDataValue(inst, key)
	if !known {
		writeError(w, http.StatusNotFound, "unknown metadata key")
		return
	}
	writeText(w, "text/plain; charset=utf-8", value+"\n")
}

// registerMetaData mounts the guest facing endpoints at the NoCloud paths
// and under /latest.
func (a *API) registerMetaData(r chi.Router) {
	for _, prefix := range []string{"", "/latest"} {
		r.Get(prefix+"/user-data", a.userDataHandler)
		r.Get(prefix+"/meta-data", a.metaDataHandler)
		r.Get(prefix+"/meta-data/", a.metaDataDirectoryHandler)
		r.Get(prefix+"/meta-data/{key}", a.metaDataKeyHandler)
	}
}
