// Package gateway exposes the admin HTTP surface: cron job CRUD and manual
// runs, run-log reads, pairing approval, and allowlist management.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Server is the admin HTTP server.
type Server struct {
	cfg        *config.Config
	sched      *cron.Scheduler
	runLog     *cron.RunLog
	pairing    store.PairingStore
	allowFrom  store.AllowFromStore
	channelMgr *channels.Manager

	httpServer *http.Server
}

// New creates the admin server.
func New(cfg *config.Config, sched *cron.Scheduler, runLog *cron.RunLog, pairing store.PairingStore, allowFrom store.AllowFromStore, channelMgr *channels.Manager) *Server {
	return &Server{
		cfg:        cfg,
		sched:      sched,
		runLog:     runLog,
		pairing:    pairing,
		allowFrom:  allowFrom,
		channelMgr: channelMgr,
	}
}

// Start begins serving; non-blocking.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/channels", s.auth(s.handleChannels))

	mux.HandleFunc("GET /v1/cron/jobs", s.auth(s.handleListJobs))
	mux.HandleFunc("POST /v1/cron/jobs", s.auth(s.handleCreateJob))
	mux.HandleFunc("GET /v1/cron/jobs/{id}", s.auth(s.handleGetJob))
	mux.HandleFunc("PATCH /v1/cron/jobs/{id}", s.auth(s.handlePatchJob))
	mux.HandleFunc("DELETE /v1/cron/jobs/{id}", s.auth(s.handleDeleteJob))
	mux.HandleFunc("POST /v1/cron/jobs/{id}/run", s.auth(s.handleRunJob))
	mux.HandleFunc("GET /v1/cron/jobs/{id}/runs", s.auth(s.handleJobRuns))
	mux.HandleFunc("GET /v1/cron/runs", s.auth(s.handleAllRuns))

	mux.HandleFunc("GET /v1/pairing/{channel}", s.auth(s.handleListPairing))
	mux.HandleFunc("POST /v1/pairing/{channel}/approve", s.auth(s.handleApprovePairing))

	mux.HandleFunc("GET /v1/allowfrom/{channel}", s.auth(s.handleReadAllowFrom))
	mux.HandleFunc("POST /v1/allowfrom/{channel}", s.auth(s.handleMutateAllowFrom))

	addr := s.listenAddr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	slog.Info("gateway listening", "addr", addr, "tls", s.cfg.Gateway.TLS.Enabled)

	go func() {
		var serveErr error
		if s.cfg.Gateway.TLS.Enabled {
			serveErr = s.httpServer.ServeTLS(ln, s.cfg.Gateway.TLS.CertFile, s.cfg.Gateway.TLS.KeyFile)
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("gateway server stopped", "error", serveErr)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listenAddr() string {
	host := "127.0.0.1"
	switch s.cfg.Gateway.Bind {
	case "all":
		host = "0.0.0.0"
	case "custom":
		if s.cfg.Gateway.CustomBindHost != "" {
			host = s.cfg.Gateway.CustomBindHost
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(s.cfg.Gateway.Port))
}

// auth gates admin requests by the configured auth mode. Error codes are a
// wire contract consumed by UI hints.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCfg := s.cfg.Gateway.Auth
		switch authCfg.Mode {
		case "none":
			next(w, r)
			return
		case "password":
			_, pass, ok := r.BasicAuth()
			if !ok {
				writeError(w, http.StatusUnauthorized, protocol.ErrAuthRequired)
				return
			}
			if authCfg.Password == "" || pass != authCfg.Password {
				writeError(w, http.StatusUnauthorized, protocol.ErrAuthUnauthorized)
				return
			}
		default: // token
			token := extractBearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, protocol.ErrAuthTokenMissing)
				return
			}
			if authCfg.Token == "" || token != authCfg.Token {
				writeError(w, http.StatusUnauthorized, protocol.ErrAuthUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.channelMgr.Status())
}

// --- Cron ---

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.sched.Jobs()})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var in cron.JobCreate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	job, err := s.sched.AddJob(in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	var patch cron.JobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	job, err := s.sched.PatchJob(r.PathValue("id"), patch)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, cron.ErrJobNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.DeleteJob(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	trigger := r.URL.Query().Get("trigger")
	if trigger == "" {
		trigger = cron.TriggerManual
	}
	result := s.sched.Run(r.PathValue("id"), trigger)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	res, err := s.runLog.Read(r.PathValue("id"), readOptsFromQuery(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAllRuns(w http.ResponseWriter, r *http.Request) {
	res, err := s.runLog.ReadAll(s.sched.JobNames(), readOptsFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func readOptsFromQuery(r *http.Request) cron.ReadOpts {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return cron.ReadOpts{
		Limit:          limit,
		Offset:         offset,
		SortDir:        q.Get("sortDir"),
		Status:         q.Get("status"),
		DeliveryStatus: q.Get("deliveryStatus"),
		Query:          q.Get("q"),
	}
}

// --- Pairing ---

func (s *Server) handleListPairing(w http.ResponseWriter, r *http.Request) {
	requests, err := s.pairing.ListPending(r.PathValue("channel"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

func (s *Server) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code      string `json:"code"`
		AccountID string `json:"accountId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	req, err := s.pairing.Approve(r.PathValue("channel"), in.Code, in.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "no pending request for code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approved": req.ID})
}

// --- AllowFrom ---

func (s *Server) handleReadAllowFrom(w http.ResponseWriter, r *http.Request) {
	list, err := s.allowFrom.Read(r.PathValue("channel"), r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"allowFrom": list})
}

func (s *Server) handleMutateAllowFrom(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Action    string `json:"action"` // "add" | "remove"
		AccountID string `json:"accountId,omitempty"`
		Entry     string `json:"entry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	var res store.AllowFromResult
	var err error
	switch in.Action {
	case "remove":
		res, err = s.allowFrom.Remove(r.PathValue("channel"), in.AccountID, in.Entry)
	default:
		res, err = s.allowFrom.Add(r.PathValue("channel"), in.AccountID, in.Entry)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changed":   res.Changed,
		"allowFrom": res.AllowFrom,
	})
}

// --- helpers ---

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
