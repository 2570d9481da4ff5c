// Package api exposes the five HTTP endpoints described in SPEC_FULL.md
// §4.9/§6: registration CRUD plus the paged certificate export, following
// the teacher's WebFrontEndImpl.HandleFunc dispatcher (method allow-list,
// no-cache header, structured request-completion logging) with JSON
// bodies instead of JOSE/ACME ones.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/ic-boundary/certificate-issuer/check"
	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
	"github.com/ic-boundary/certificate-issuer/orchestrator"
)

// Server holds the dependencies every handler needs.
type Server struct {
	Orchestrator orchestrator.Client
	Checker      *check.Checker
	Export       orchestrator.Export
	Clock        clock.Clock
	Log          *zap.Logger
}

// New wires a Server into an *http.ServeMux ready to hand to http.Server.
func New(orch orchestrator.Client, checker *check.Checker, export orchestrator.Export, clk clock.Clock, log *zap.Logger) http.Handler {
	s := &Server{Orchestrator: orch, Checker: checker, Export: export, Clock: clk, Log: log}

	mux := http.NewServeMux()
	s.handleFunc(mux, "/registrations", s.createRegistration, http.MethodPost)
	s.handleFunc(mux, "/registrations/", s.registrationByID, http.MethodGet, http.MethodPut, http.MethodDelete)
	s.handleFunc(mux, "/certificates", s.exportCertificates, http.MethodGet)
	return mux
}

type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

// handleFunc wraps h with the uniform no-cache header, method allow-list,
// request timing, and error-to-status mapping every endpoint shares —
// the same shape as the teacher's WebFrontEndImpl.HandleFunc, adapted to
// return a Go error instead of writing ACME problem documents directly.
func (s *Server) handleFunc(mux *http.ServeMux, pattern string, h handlerFunc, methods ...string) {
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[m] = true
	}

	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")

		if !allowed[r.Method] {
			w.Header().Set("Allow", strings.Join(methods, ", "))
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		start := s.Clock.Now()
		err := h(r.Context(), w, r)
		dur := s.Clock.Since(start)

		log := s.Log.With(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", dur),
		)
		if err != nil {
			status := statusFor(err)
			log.Info("request failed", zap.Int("status", status), zap.Error(err))
			writeError(w, status, err.Error())
			return
		}
		log.Info("request completed")
	})
}

// statusFor maps the error taxonomy onto the HTTP status codes SPEC_FULL.md
// §4.9 specifies: 400 validation, 403 ownership, 404 missing, 409 illegal
// state transition, 503 orchestrator unavailability, 500 otherwise.
func statusFor(err error) int {
	ie, ok := err.(*ierrors.IssuerError)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ie.Type {
	case ierrors.Malformed:
		return http.StatusBadRequest
	case ierrors.Unauthorized, ierrors.NotOwner:
		return http.StatusForbidden
	case ierrors.NotFound, ierrors.MissingOwner, ierrors.MissingDNSCNAME:
		return http.StatusNotFound
	case ierrors.RejectedIdentifier, ierrors.InvalidDNSCNAMETarget:
		return http.StatusConflict
	case ierrors.ConnectionFailure, ierrors.Timeout, ierrors.KnownDomainsUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func idFromPath(prefix string, r *http.Request) string {
	return strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

type createRegistrationRequest struct {
	Name     string         `json:"name"`
	Canister core.Principal `json:"canister"`
}

type createRegistrationResponse struct {
	ID string `json:"id"`
}

// createRegistration implements POST /registrations: it allocates an id
// via the orchestrator first, then runs the checker against that id so the
// delegation CNAME can reference it, rolling the registration back if the
// check fails. On success it enqueues the initial Order task for "now".
func (s *Server) createRegistration(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req createRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ierrors.MalformedError("invalid request body: %s", err)
	}

	name := core.CanonicalizeName(req.Name)
	id, err := s.Orchestrator.CreateRegistration(ctx, name, req.Canister)
	if err != nil {
		return err
	}

	if err := s.Checker.Check(ctx, id, name, req.Canister); err != nil {
		if removeErr := s.Orchestrator.RemoveRegistration(ctx, id); removeErr != nil {
			s.Log.Warn("failed to roll back registration after failed check", zap.String("registration_id", id), zap.Error(removeErr))
		}
		return err
	}

	if err := s.Orchestrator.Queue(ctx, id, core.NanosFromNow(s.Clock.Now(), 0)); err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, createRegistrationResponse{ID: id})
}

type registrationResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Canister core.Principal `json:"canister"`
	State    core.State     `json:"state"`
}

type updateRegistrationRequest struct {
	State    *core.State     `json:"state,omitempty"`
	Canister *core.Principal `json:"canister,omitempty"`
}

// registrationByID dispatches GET/PUT/DELETE on /registrations/:id.
func (s *Server) registrationByID(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id := idFromPath("/registrations", r)
	if id == "" {
		return ierrors.MalformedError("missing registration id")
	}

	switch r.Method {
	case http.MethodGet:
		return s.getRegistration(ctx, w, id)
	case http.MethodPut:
		return s.updateRegistration(ctx, w, r, id)
	case http.MethodDelete:
		return s.removeRegistration(ctx, w, id)
	default:
		return ierrors.New(ierrors.InternalServer, "unreachable method %s", r.Method)
	}
}

func (s *Server) getRegistration(ctx context.Context, w http.ResponseWriter, id string) error {
	reg, err := s.Orchestrator.GetRegistration(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, registrationResponse{ID: reg.ID, Name: reg.Name, Canister: reg.Canister, State: reg.State})
}

// updateRegistration requires a prior Get to confirm ownership and state
// eligibility, per SPEC_FULL.md §4.9, then applies a partial
// {state?, canister?} update.
func (s *Server) updateRegistration(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) error {
	reg, err := s.Orchestrator.GetRegistration(ctx, id)
	if err != nil {
		return err
	}

	var req updateRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ierrors.MalformedError("invalid request body: %s", err)
	}

	canister := reg.Canister
	if req.Canister != nil {
		canister = *req.Canister
	}
	if err := s.Checker.Check(ctx, id, reg.Name, canister); err != nil {
		return err
	}

	update := orchestrator.RegistrationUpdate{Canister: req.Canister}
	if req.State != nil {
		if !isLegalTransition(reg.State, *req.State) {
			return ierrors.New(ierrors.RejectedIdentifier, "%s is not a legal transition from %s", *req.State, reg.State)
		}
		update.State = req.State
	}

	if err := s.Orchestrator.UpdateRegistration(ctx, id, update); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{})
}

// isLegalTransition allows an external caller to move a registration only
// out of Failed back to PendingOrder, or to re-trigger a renewal from
// Available; every forward pipeline step is internal to the Processor.
func isLegalTransition(from, to core.State) bool {
	switch {
	case from == core.StateFailed && to == core.StatePendingOrder:
		return true
	case from == core.StateAvailable && to == core.StatePendingOrder:
		return true
	default:
		return false
	}
}

func (s *Server) removeRegistration(ctx context.Context, w http.ResponseWriter, id string) error {
	reg, err := s.Orchestrator.GetRegistration(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Checker.Check(ctx, id, reg.Name, reg.Canister); err != nil {
		return err
	}
	if err := s.Orchestrator.RemoveRegistration(ctx, id); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{})
}

// exportCertificates implements GET /certificates?offset=&limit=, paging
// through the decrypted, verified export chain (see orchestrator.Export).
func (s *Server) exportCertificates(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	offset := atoiDefault(r.URL.Query().Get("offset"), 0)
	limit := atoiDefault(r.URL.Query().Get("limit"), 0)

	page, err := s.Export.Fetch(ctx, offset, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, page.Records)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
