// Package adminapi implements the admin HTTP API (§6): read-only JSON
// views of the name table, session map, and endpoint list, plus POST
// actions mirroring org.alljoyn.Bus's AdvertiseName/FindAdvertisedName for
// operators with no local attachment of their own. It is the supplemented
// replacement for the teacher's ConnectRPC server: the same "thin adapter
// delegating straight to a domain manager" shape, routed with
// github.com/go-chi/chi/v5 instead of protoc-gen-connect-go stubs.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
	"github.com/go-alljoyn/ajrouter/internal/discovery"
	"github.com/go-alljoyn/ajrouter/internal/nametable"
	"github.com/go-alljoyn/ajrouter/internal/session"
	"github.com/go-alljoyn/ajrouter/internal/transport"
	"github.com/go-alljoyn/ajrouter/internal/wire"
)

// operatorEndpoint is the synthetic owner attributed to advertisements and
// finds triggered through this API rather than by a real local attachment.
const operatorEndpoint ajtypes.EndpointID = 0

// Server adapts the router's domain managers to chi-routed HTTP handlers.
type Server struct {
	guid      wire.GUID
	startedAt time.Time

	names     *nametable.Table
	sessions  *session.Manager
	transport *transport.Manager
	disco     *discovery.Service // may be nil if nameservice.enabled=false

	logger *slog.Logger
}

// New constructs a Server and its chi.Mux. disco may be nil when the
// name-service is disabled.
func New(guid wire.GUID, names *nametable.Table, sessions *session.Manager, tm *transport.Manager, disco *discovery.Service, logger *slog.Logger) (*Server, http.Handler) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		guid:      guid,
		startedAt: time.Now(),
		names:     names,
		sessions:  sessions,
		transport: tm,
		disco:     disco,
		logger:    logger.With(slog.String("component", "adminapi")),
	}

	r := chi.NewRouter()
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/names", s.handleNames)
	r.Get("/v1/sessions", s.handleSessions)
	r.Get("/v1/endpoints", s.handleEndpoints)
	r.Post("/v1/advertise", s.handleAdvertise)
	r.Post("/v1/find", s.handleFind)

	return s, r
}

type statusResponse struct {
	GUID                     string `json:"guid"`
	UptimeSeconds            int64  `json:"uptime_seconds"`
	IncompleteConnections    int    `json:"incomplete_connections"`
	AuthenticatedConnections int    `json:"authenticated_connections"`
	NameCount                int    `json:"name_count"`
	SessionCount             int    `json:"session_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	incomplete, authenticated := s.transport.Counts()
	resp := statusResponse{
		GUID:                     string(s.guid),
		UptimeSeconds:            int64(time.Since(s.startedAt).Seconds()),
		IncompleteConnections:    incomplete,
		AuthenticatedConnections: authenticated,
		NameCount:                len(s.names.AllNames()),
		SessionCount:             len(s.sessions.Snapshot()),
	}
	writeJSON(w, http.StatusOK, resp)
}

type nameEntryResponse struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	all := s.names.AllNames()
	resp := make([]nameEntryResponse, 0, len(all))
	for name, owner := range all {
		resp = append(resp, nameEntryResponse{Name: name, Owner: ownerString(owner)})
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	ID      uint32   `json:"id"`
	Host    string   `json:"host"`
	Port    uint16   `json:"port"`
	Binder  uint64   `json:"binder"`
	Members []uint64 `json:"members"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.sessions.Snapshot()
	resp := make([]sessionResponse, 0, len(snaps))
	for _, snap := range snaps {
		members := make([]uint64, 0, len(snap.Members))
		for _, m := range snap.Members {
			members = append(members, uint64(m))
		}
		resp = append(resp, sessionResponse{
			ID:      uint32(snap.ID),
			Host:    snap.Host,
			Port:    uint16(snap.Port),
			Binder:  uint64(snap.Binder),
			Members: members,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type endpointResponse struct {
	ID         uint64 `json:"id"`
	Kind       string `json:"kind"`
	UniqueName string `json:"unique_name"`
	RemoteGUID string `json:"remote_guid,omitempty"`
	KAState    string `json:"keepalive_state"`
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	snaps := s.transport.Snapshot()
	resp := make([]endpointResponse, 0, len(snaps))
	for _, ep := range snaps {
		resp = append(resp, endpointResponse{
			ID:         uint64(ep.ID),
			Kind:       ep.Kind.String(),
			UniqueName: ep.UniqueName,
			RemoteGUID: string(ep.RemoteGUID),
			KAState:    ep.KAState.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type advertiseRequest struct {
	Name       string            `json:"name"`
	Transports ajtypes.Transport `json:"transports"`
	Quiet      bool              `json:"quiet"`
}

func (s *Server) handleAdvertise(w http.ResponseWriter, r *http.Request) {
	var req advertiseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid advertise request", http.StatusBadRequest)
		return
	}

	s.sessions.Advertise.Advertise(req.Name, operatorEndpoint, req.Transports, req.Quiet)
	if s.disco != nil {
		s.disco.Advertise(req.Name, "", req.Transports)
	}

	w.WriteHeader(http.StatusAccepted)
}

type findRequest struct {
	Prefix string `json:"prefix"`
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	var req findRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prefix == "" {
		http.Error(w, "invalid find request", http.StatusBadRequest)
		return
	}

	s.sessions.FindAdvertisedName(r.Context(), operatorEndpoint, req.Prefix)
	if s.disco != nil {
		s.disco.Find(req.Prefix)
	}

	w.WriteHeader(http.StatusAccepted)
}

func ownerString(id ajtypes.EndpointID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("adminapi: encode response", slog.Any("error", err))
	}
}
